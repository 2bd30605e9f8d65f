// Package llm is the transport to the tool-calling chat model. The
// orchestrator consumes a stream of chunks: text deltas as they arrive,
// completed tool calls once their argument fragments have been assembled,
// then a final done marker.
package llm

import (
	"context"

	"github.com/rudnitski/HealthUp-sub002/internal/session"
)

// Tool describes one callable tool in the form the model understands.
// Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Chunk is one unit of the model response stream. Exactly one of Text,
// ToolCall, Err, or the bare Done marker is meaningful per chunk.
type Chunk struct {
	Text     string
	ToolCall *session.ToolCall
	Done     bool
	Err      error
}

type Client interface {
	Stream(ctx context.Context, messages []session.Message, tools []Tool) (<-chan Chunk, error)
}
