package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	"github.com/rudnitski/HealthUp-sub002/internal/session"
)

type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type OpenAIClient struct {
	client       *openai.Client
	model        string
	temperature  float32
	maxRetries   int
	retryBackoff time.Duration
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}

	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = strings.TrimRight(base, "/")
	}
	// The client timeout bounds the whole streamed response. This is the
	// wall-clock ceiling on a single model call.
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		temperature:  float32(cfg.Temperature),
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}, nil
}

var _ Client = (*OpenAIClient)(nil)

// Stream opens a streaming completion. Establishing the stream retries on
// transient failures with linear backoff; errors mid-stream surface as an
// Err chunk and end the stream.
func (c *OpenAIClient) Stream(ctx context.Context, messages []session.Message, tools []Tool) (<-chan Chunk, error) {
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    convertMessages(messages),
		Temperature: c.temperature,
		Stream:      true,
	}
	if len(tools) > 0 {
		request.Tools = convertTools(tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			observability.ModelRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}

		stream, lastErr = c.client.CreateChatCompletionStream(ctx, request)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			observability.ObserveModelRequest("rejected")
			return nil, fmt.Errorf("create completion stream: %w", lastErr)
		}
	}
	if lastErr != nil {
		observability.ObserveModelRequest("exhausted")
		return nil, fmt.Errorf("create completion stream after %d attempts: %w", c.maxRetries, lastErr)
	}

	chunks := make(chan Chunk)
	go c.pump(ctx, stream, chunks)
	return chunks, nil
}

// pump reads the stream and assembles tool calls. The model streams tool
// calls incrementally: the id and name arrive on the first fragment for an
// index, argument JSON arrives in pieces. A call is emitted once the model
// signals tool_calls completion (or the stream ends).
func (c *OpenAIClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer func() { _ = stream.Close() }()

	pending := make(map[int]*session.ToolCall)
	order := make([]int, 0, 4)

	flush := func() {
		for _, index := range order {
			call := pending[index]
			if call.ID != "" && call.Name != "" {
				chunks <- Chunk{ToolCall: call}
			}
		}
		pending = make(map[int]*session.ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				observability.ObserveModelRequest("ok")
				chunks <- Chunk{Done: true}
				return
			}
			observability.ObserveModelRequest("stream_error")
			chunks <- Chunk{Err: fmt.Errorf("read completion stream: %w", err), Done: true}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- Chunk{Text: choice.Delta.Content}
		}

		for _, delta := range choice.Delta.ToolCalls {
			index := 0
			if delta.Index != nil {
				index = *delta.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &session.ToolCall{}
				pending[index] = call
				order = append(order, index)
			}
			if delta.ID != "" {
				call.ID = delta.ID
			}
			if delta.Function.Name != "" {
				call.Name = delta.Function.Name
			}
			if delta.Function.Arguments != "" {
				call.Arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertMessages(messages []session.Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case session.RoleSystem:
			converted = append(converted, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: message.Content,
			})
		case session.RoleUser:
			converted = append(converted, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: message.Content,
			})
		case session.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: message.Content,
			}
			for _, call := range message.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			converted = append(converted, assistant)
		case session.RoleTool:
			converted = append(converted, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    message.Content,
				ToolCallID: message.ToolCallID,
			})
		}
	}
	return converted
}

func convertTools(tools []Tool) []openai.Tool {
	converted := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		converted[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return converted
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	message := err.Error()
	return strings.Contains(message, "timeout") ||
		strings.Contains(message, "connection reset") ||
		strings.Contains(message, "connection refused")
}
