// Package agent drives the turn orchestration loop: it owns the
// sequencing of model round-trips, tool execution, and event log
// appends that turns one user message into one final assistant answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/reeve/internal/eventlog"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/normalize"
	"github.com/nugget/reeve/internal/persona"
	"github.com/nugget/reeve/internal/prompts"
	"github.com/nugget/reeve/internal/tools"
)

// Request is one user turn to process.
type Request struct {
	ConversationID string
	UserText       string
	RequestID      string

	// Model overrides the loop default when set.
	Model string
}

// Response is the outcome of one completed turn.
type Response struct {
	Content      string
	Model        string
	Rounds       int
	ToolCalls    int
	LimitReached bool
}

// Loop orchestrates turns against one model backend, one capability
// registry, and one event log.
type Loop struct {
	log      *eventlog.Store
	client   llm.Client
	registry *tools.Registry
	persona  string
	bus      *events.Bus
	logger   *slog.Logger

	model     string
	maxRounds int
}

// Options configures a Loop.
type Options struct {
	Log      *eventlog.Store
	Client   llm.Client
	Registry *tools.Registry
	Persona  string
	Bus      *events.Bus
	Logger   *slog.Logger

	// Model is the default model for turns that do not specify one.
	Model string

	// MaxRounds bounds model round-trips per turn. Zero or negative
	// uses prompts.MaxToolRounds.
	MaxRounds int
}

// New creates a turn loop.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = prompts.MaxToolRounds
	}
	return &Loop{
		log:       opts.Log,
		client:    opts.Client,
		registry:  opts.Registry,
		persona:   opts.Persona,
		bus:       opts.Bus,
		logger:    logger,
		model:     opts.Model,
		maxRounds: maxRounds,
	}
}

// systemContext renders the fixed preamble sent at the top of every
// model call: persona first, capability manifest second.
func (l *Loop) systemContext() string {
	return prompts.SystemHeader + l.persona + "\n\n" + prompts.ManifestHeader + persona.Manifest(l.registry)
}

// historyMessages renders the persisted conversation for the model.
// Only message-kind events appear in the replayed transcript; tool
// traffic is audit detail, re-injected live only within the turn that
// produced it.
func historyMessages(evs []eventlog.Event) []llm.Message {
	msgs := make([]llm.Message, 0, len(evs))
	for _, ev := range evs {
		if ev.Kind != eventlog.KindMessage {
			continue
		}
		msgs = append(msgs, llm.Message{Role: ev.Role, Content: ev.Content})
	}
	return msgs
}

// Turn processes one user message to completion. Storage and model
// transport failures abort the turn as errors; everything else —
// rejected tools, failed executions, unparseable call requests — is
// absorbed into the conversation and the turn still completes.
func (l *Loop) Turn(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = l.model
	}

	start := time.Now()
	l.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindTurnStart,
		Data: map[string]any{
			"request_id":      req.RequestID,
			"conversation_id": req.ConversationID,
			"model":           model,
		},
	})

	if err := l.log.Append(req.ConversationID, eventlog.Event{
		Role:    eventlog.RoleUser,
		Kind:    eventlog.KindMessage,
		Content: req.UserText,
	}); err != nil {
		return nil, fmt.Errorf("turn: append user message: %w", err)
	}

	history, err := l.log.ReadAll(req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("turn: read history: %w", err)
	}

	messages := append(
		[]llm.Message{{Role: "system", Content: l.systemContext()}},
		historyMessages(history)...,
	)

	totalCalls := 0
	for round := 1; round <= l.maxRounds; round++ {
		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindModelCall,
			Data: map[string]any{
				"request_id": req.RequestID,
				"round":      round,
				"model":      model,
			},
		})

		resp, err := l.client.Chat(ctx, model, messages, l.registry.Definitions())
		if err != nil {
			return nil, fmt.Errorf("turn: model call (round %d): %w", round, err)
		}

		text, calls := normalize.Normalize(resp.Message.Content, toDescriptors(resp.Message.ToolCalls))

		if len(calls) == 0 {
			if err := l.log.Append(req.ConversationID, eventlog.Event{
				Role:    eventlog.RoleAssistant,
				Kind:    eventlog.KindMessage,
				Content: text,
			}); err != nil {
				return nil, fmt.Errorf("turn: append assistant message: %w", err)
			}
			l.publishComplete(req, start, round, totalCalls)
			return &Response{
				Content:   text,
				Model:     resp.Model,
				Rounds:    round,
				ToolCalls: totalCalls,
			}, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})

		// The model wants tools this round. Any accompanying prose rides
		// on the first tool-call event, so it stays audit detail rather
		// than re-entering replayed history as a standalone message.
		for i, call := range calls {
			totalCalls++
			prose := ""
			if i == 0 {
				prose = text
			}
			toolMsg, err := l.runTool(ctx, req, call, prose)
			if err != nil {
				return nil, err
			}
			messages = append(messages, toolMsg)
		}
	}

	// Round budget exhausted without a tool-call-free answer. Close the
	// turn with a synthesized message rather than another model call.
	if err := l.log.Append(req.ConversationID, eventlog.Event{
		Role:      eventlog.RoleAssistant,
		Kind:      eventlog.KindMessage,
		Content:   prompts.LimitReached,
		Synthetic: true,
	}); err != nil {
		return nil, fmt.Errorf("turn: append limit message: %w", err)
	}

	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindLimitReached,
		Data: map[string]any{
			"request_id":      req.RequestID,
			"conversation_id": req.ConversationID,
			"rounds":          l.maxRounds,
		},
	})
	l.publishComplete(req, start, l.maxRounds, totalCalls)
	l.logger.Warn("turn hit round limit",
		"conversation", req.ConversationID,
		"rounds", l.maxRounds,
		"tool_calls", totalCalls,
	)

	return &Response{
		Content:      prompts.LimitReached,
		Model:        model,
		Rounds:       l.maxRounds,
		ToolCalls:    totalCalls,
		LimitReached: true,
	}, nil
}

// runTool logs, executes, and logs the outcome of one canonical tool
// call, returning the tool-role message to re-inject into the current
// round's context. prose is assistant text that arrived alongside the
// call; it is preserved as the tool-call event's content. Only log
// append failures escape as errors.
func (l *Loop) runTool(ctx context.Context, req Request, call normalize.ToolCall, prose string) (llm.Message, error) {
	if err := l.log.Append(req.ConversationID, eventlog.Event{
		Role:    eventlog.RoleAssistant,
		Kind:    eventlog.KindToolCall,
		Content: prose,
		Tool: &eventlog.ToolInfo{
			Name:          call.Name,
			Args:          call.Args,
			CorrelationID: call.CorrelationID,
		},
	}); err != nil {
		return llm.Message{}, fmt.Errorf("turn: append tool call: %w", err)
	}

	started := time.Now()
	res := l.registry.Execute(ctx, call)
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolExecuted,
		Data: map[string]any{
			"request_id":  req.RequestID,
			"tool":        call.Name,
			"ok":          res.OK,
			"duration_ms": time.Since(started).Milliseconds(),
		},
	})

	logged := eventlog.ToolResult{
		OK:            res.OK,
		Error:         res.Error,
		CorrelationID: call.CorrelationID,
	}
	if res.Payload != nil {
		payload, err := json.Marshal(res.Payload)
		if err != nil {
			// An unserializable payload is a capability bug; surface it
			// to the model the same way any tool failure is surfaced.
			logged.OK = false
			logged.Error = fmt.Sprintf("%s: payload not serializable: %v", call.Name, err)
			logged.Payload = nil
		} else {
			logged.Payload = payload
		}
	}

	if err := l.log.Append(req.ConversationID, eventlog.Event{
		Role:       eventlog.RoleSystem,
		Kind:       eventlog.KindToolResult,
		ToolResult: &logged,
	}); err != nil {
		return llm.Message{}, fmt.Errorf("turn: append tool result: %w", err)
	}

	feedback, err := json.Marshal(map[string]any{
		"ok":      logged.OK,
		"payload": logged.Payload,
		"error":   logged.Error,
	})
	if err != nil {
		return llm.Message{}, fmt.Errorf("turn: marshal tool feedback: %w", err)
	}

	return llm.Message{
		Role:       "tool",
		Content:    string(feedback),
		ToolCallID: call.CorrelationID,
	}, nil
}

func (l *Loop) publishComplete(req Request, start time.Time, rounds, calls int) {
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindTurnComplete,
		Data: map[string]any{
			"request_id":      req.RequestID,
			"conversation_id": req.ConversationID,
			"rounds":          rounds,
			"tool_calls":      calls,
			"elapsed_ms":      time.Since(start).Milliseconds(),
		},
	})
}

// toDescriptors converts provider tool calls into normalizer input.
func toDescriptors(calls []llm.ToolCall) []normalize.Descriptor {
	if len(calls) == 0 {
		return nil
	}
	descs := make([]normalize.Descriptor, 0, len(calls))
	for _, c := range calls {
		descs = append(descs, normalize.Descriptor{
			ID:   c.ID,
			Name: c.Function.Name,
			Args: c.Function.Arguments,
		})
	}
	return descs
}
