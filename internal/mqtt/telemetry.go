// Package mqtt publishes the agent's availability and operational
// telemetry to an MQTT broker. Availability uses a retained topic with
// a last-will message so watchers see "offline" even when the process
// dies uncleanly; telemetry counters are fed from the internal event
// bus.
package mqtt

import (
	"context"
	"sync"

	"github.com/nugget/reeve/internal/events"
)

// Telemetry accumulates operational counters from the event bus. All
// methods are safe for concurrent use.
type Telemetry struct {
	mu sync.Mutex

	turns            int64
	toolCalls        int64
	limitsReached    int64
	messagesReceived int64
	messagesSent     int64
	messagesDeduped  int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Turns            int64 `json:"turns"`
	ToolCalls        int64 `json:"tool_calls"`
	LimitsReached    int64 `json:"limits_reached"`
	MessagesReceived int64 `json:"messages_received"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDeduped  int64 `json:"messages_deduped"`
}

// NewTelemetry creates an empty counter set.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// Consume subscribes to the bus and counts events until ctx is
// cancelled. Intended to run as a goroutine.
func (t *Telemetry) Consume(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			t.Record(ev)
		}
	}
}

// Record counts a single event.
func (t *Telemetry) Record(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case events.KindTurnComplete:
		t.turns++
	case events.KindToolExecuted:
		t.toolCalls++
	case events.KindLimitReached:
		t.limitsReached++
	case events.KindMessageReceived:
		t.messagesReceived++
	case events.KindMessageSent:
		t.messagesSent++
	case events.KindMessageDeduped:
		t.messagesDeduped++
	}
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Turns:            t.turns,
		ToolCalls:        t.toolCalls,
		LimitsReached:    t.limitsReached,
		MessagesReceived: t.messagesReceived,
		MessagesSent:     t.messagesSent,
		MessagesDeduped:  t.messagesDeduped,
	}
}
