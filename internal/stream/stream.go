// Package stream defines the events pushed to the chat client and the
// per-session hub that fans them out. The hub owns no business state: the
// orchestrator decides what to emit and when, the hub only delivers.
package stream

import "time"

type Type string

const (
	TypeSessionStart Type = "session_start"
	TypeTextDelta    Type = "text_delta"
	TypeToolStart    Type = "tool_start"
	TypeToolComplete Type = "tool_complete"
	TypeFinalResult  Type = "final_result"
	TypeError        Type = "error"
	TypeDone         Type = "done"
)

// Event is one unit on the push channel. Data marshals to the SSE data
// field; every event is self-contained.
type Event struct {
	Type Type
	Data any
}

type SessionStartData struct {
	SessionID string `json:"session_id"`
}

type TextDeltaData struct {
	Content string `json:"content"`
}

type ToolStartData struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

type ToolCompleteData struct {
	Tool       string `json:"tool"`
	DurationMs int64  `json:"duration_ms"`
}

type FinalResultData struct {
	Statement string   `json:"statement"`
	Intent    string   `json:"intent"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func SessionStart(sessionID string) Event {
	return Event{Type: TypeSessionStart, Data: SessionStartData{SessionID: sessionID}}
}

func TextDelta(content string) Event {
	return Event{Type: TypeTextDelta, Data: TextDeltaData{Content: content}}
}

func ToolStart(tool string, params map[string]any) Event {
	return Event{Type: TypeToolStart, Data: ToolStartData{Tool: tool, Params: params}}
}

func ToolComplete(tool string, elapsed time.Duration) Event {
	return Event{Type: TypeToolComplete, Data: ToolCompleteData{Tool: tool, DurationMs: elapsed.Milliseconds()}}
}

func FinalResult(statement, intent string, columns []string, rows [][]any) Event {
	return Event{Type: TypeFinalResult, Data: FinalResultData{
		Statement: statement,
		Intent:    intent,
		Columns:   columns,
		Rows:      rows,
	}}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: TypeError, Data: ErrorData{Code: code, Message: message}}
}

func Done() Event {
	return Event{Type: TypeDone, Data: struct{}{}}
}
