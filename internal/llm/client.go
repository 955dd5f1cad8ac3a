package llm

import "context"

// Client is the interface that all model providers implement.
// A transport failure or non-success status is a hard error; callers
// treat it as fatal for the current turn.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
