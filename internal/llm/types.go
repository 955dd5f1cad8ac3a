// Package llm provides model backend clients. Providers translate
// their wire formats into the neutral types here; tool-call
// interpretation happens downstream in the normalizer, not in the
// providers.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message sent to or received from a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool-role result entries
}

// ToolCall is one structured call descriptor in a model response,
// exactly as the provider delivered it. Arguments are decoded to a map
// at the provider boundary; no further interpretation happens here.
type ToolCall struct {
	ID       string `json:"id,omitempty"` // provider-assigned correlation id
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the unified response from any provider. Wire-format
// conversion happens at provider boundaries (ollama.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
}
