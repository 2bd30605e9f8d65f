package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rudnitski/HealthUp-sub002/internal/llm"
)

// The tool surface is a closed enum. Adding a kind means a new constant,
// a new definition, and a new case in the dispatch switch; the compiler
// flags anything missed.
const (
	toolSearchSchema = "search_schema"
	toolRunQuery     = "run_query"
	toolFinalize     = "finalize"
)

type searchSchemaArgs struct {
	Query string `json:"query"`
}

type runQueryArgs struct {
	Statement string `json:"statement"`
}

type finalizeArgs struct {
	Statement string `json:"statement"`
	Intent    string `json:"intent"`
}

func toolDefinitions() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolSearchSchema,
			Description: "Fuzzy-search the lab database schema for tables and columns matching the query. Use this before writing SQL when unsure about names.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Words to look for in table names, column names, and their descriptions.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolRunQuery,
			Description: "Run a read-only SQL statement to inspect the data. Results are truncated to a small row cap and are for your reasoning only; never present them as the final answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"statement": map[string]any{
						"type":        "string",
						"description": "A single Postgres SELECT or WITH statement.",
					},
				},
				"required": []string{"statement"},
			},
		},
		{
			Name:        toolFinalize,
			Description: "Submit the final SQL statement answering the user's question. This ends the conversation: the statement is validated, executed, and its full result is shown to the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"statement": map[string]any{
						"type":        "string",
						"description": "A single Postgres SELECT or WITH statement.",
					},
					"intent": map[string]any{
						"type":        "string",
						"enum":        []string{"data", "plot"},
						"description": "data for tabular answers, plot when the result will be charted over time.",
					},
				},
				"required": []string{"statement", "intent"},
			},
		},
	}
}

func decodeArgs(arguments string, into any) error {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		trimmed = "{}"
	}
	if err := json.Unmarshal([]byte(trimmed), into); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}
	return nil
}

// toolFeedback is the JSON shape of tool-role messages fed back to the
// model, for both results and recoverable errors.
type toolFeedback struct {
	Error    *feedbackError `json:"error,omitempty"`
	Matches  any            `json:"matches,omitempty"`
	Columns  []string       `json:"columns,omitempty"`
	Rows     [][]any        `json:"rows,omitempty"`
	RowCount *int           `json:"row_count,omitempty"`
}

type feedbackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func feedbackJSON(feedback toolFeedback) string {
	data, err := json.Marshal(feedback)
	if err != nil {
		return `{"error":{"code":"INTERNAL","message":"feedback encoding failed"}}`
	}
	return string(data)
}

func errorFeedback(code, message string) string {
	return feedbackJSON(toolFeedback{Error: &feedbackError{Code: code, Message: message}})
}
