package llm

import (
	"context"
	"testing"
)

// fakeClient records which instance served a request.
type fakeClient struct {
	name string
	last *string
}

func (f *fakeClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	*f.last = f.name
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: f.name}}, nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	var served string
	ollama := &fakeClient{name: "ollama", last: &served}
	openai := &fakeClient{name: "openai", last: &served}

	m := NewMultiClient(ollama)
	m.AddProvider("ollama", ollama)
	m.AddProvider("openai", openai)
	m.AddModel("gpt-test", "openai")
	m.AddModel("qwen3:4b", "ollama")

	if _, err := m.Chat(context.Background(), "gpt-test", nil, nil); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if served != "openai" {
		t.Errorf("gpt-test routed to %q, want openai", served)
	}

	if _, err := m.Chat(context.Background(), "qwen3:4b", nil, nil); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if served != "ollama" {
		t.Errorf("qwen3:4b routed to %q, want ollama", served)
	}

	// Unknown models fall back.
	if _, err := m.Chat(context.Background(), "mystery", nil, nil); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if served != "ollama" {
		t.Errorf("unknown model routed to %q, want fallback", served)
	}
}

func TestMultiClientNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Fatal("expected error with no fallback configured")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error with no fallback configured")
	}
}
