package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/events"
)

// TurnRunner abstracts the turn loop for testability. The real
// implementation is *agent.Loop.
type TurnRunner interface {
	Turn(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// Sender abstracts the outbound half of the gateway client.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// StateStore persists the dedupe set across restarts so redelivered
// messages are suppressed even after a process bounce. The real
// implementation is *opstate.Store.
type StateStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Opstate coordinates for dedupe persistence.
const (
	stateNamespace = "gateway"
	dedupeStateKey = "dedupe_ids"
)

// handleTimeout bounds how long a single inbound message may be
// processed (turn + response send).
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Messages <-chan InboundMessage
	Sender   Sender
	Runner   TurnRunner
	Bus      *events.Bus
	Logger   *slog.Logger

	// Model overrides the loop default for gateway-originated turns.
	Model string
	// RateLimit caps turns per sender per minute; 0 = unlimited.
	RateLimit int
	// DedupeSize bounds the echo-suppression set.
	DedupeSize int
	// AllowedSenders restricts who the bridge answers. Empty allows all.
	AllowedSenders []string
	// State persists the dedupe set across restarts. Optional.
	State StateStore
}

// Bridge receives gateway messages, routes them through the turn loop,
// and sends replies back to their senders.
type Bridge struct {
	messages  <-chan InboundMessage
	sender    Sender
	runner    TurnRunner
	bus       *events.Bus
	logger    *slog.Logger
	model     string
	rateLimit int
	allowed   map[string]bool
	dedupe    *dedupeSet
	state     StateStore

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a gateway message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[string]bool
	if len(cfg.AllowedSenders) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedSenders))
		for _, s := range cfg.AllowedSenders {
			allowed[s] = true
		}
	}
	b := &Bridge{
		messages:    cfg.Messages,
		sender:      cfg.Sender,
		runner:      cfg.Runner,
		bus:         cfg.Bus,
		logger:      logger,
		model:       cfg.Model,
		rateLimit:   cfg.RateLimit,
		allowed:     allowed,
		dedupe:      newDedupeSet(cfg.DedupeSize),
		state:       cfg.State,
		senderTimes: make(map[string][]time.Time),
	}
	b.restoreDedupe()
	return b
}

// restoreDedupe seeds the dedupe set from persisted state. Corrupt or
// missing state starts the set empty; redelivery suppression is best
// effort across restarts.
func (b *Bridge) restoreDedupe() {
	if b.state == nil {
		return
	}
	raw, err := b.state.Get(stateNamespace, dedupeStateKey)
	if err != nil {
		b.logger.Warn("gateway dedupe state read failed", "error", err)
		return
	}
	if raw == "" {
		return
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		b.logger.Warn("gateway dedupe state corrupt, starting empty", "error", err)
		return
	}
	b.dedupe.seed(ids)
	b.logger.Debug("gateway dedupe state restored", "ids", len(ids))
}

// persistDedupe writes the current dedupe set to the state store.
func (b *Bridge) persistDedupe() {
	if b.state == nil {
		return
	}
	data, err := json.Marshal(b.dedupe.snapshot())
	if err != nil {
		return
	}
	if err := b.state.Set(stateNamespace, dedupeStateKey, string(data)); err != nil {
		b.logger.Warn("gateway dedupe state write failed", "error", err)
	}
}

// Start consumes inbound messages until ctx is cancelled or the
// message channel closes.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("gateway bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("gateway bridge shutting down")
			return
		case msg, ok := <-b.messages:
			if !ok {
				b.logger.Info("gateway message channel closed, bridge stopping")
				return
			}
			b.dispatch(ctx, msg)
		}
	}
}

// dispatch applies the admission checks (well-formedness, allow-list,
// dedupe, rate limit) and hands accepted messages to handleMessage.
func (b *Bridge) dispatch(ctx context.Context, msg InboundMessage) {
	if msg.Sender == "" || strings.TrimSpace(msg.Text) == "" {
		b.logger.Debug("gateway ignoring empty message", "sender", msg.Sender)
		return
	}

	if b.allowed != nil && !b.allowed[msg.Sender] {
		b.logger.Warn("gateway message from disallowed sender", "sender", msg.Sender)
		return
	}

	if msg.ID != "" {
		if b.dedupe.Seen(msg.ID) {
			b.logger.Debug("gateway message deduplicated",
				"sender", msg.Sender,
				"message_id", msg.ID,
			)
			b.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceGateway,
				Kind:      events.KindMessageDeduped,
				Data: map[string]any{
					"sender":     msg.Sender,
					"message_id": msg.ID,
				},
			})
			return
		}
		b.persistDedupe()
	}

	if !b.allowSender(msg.Sender) {
		b.logger.Warn("gateway message rate-limited", "sender", msg.Sender)
		return
	}

	b.handleMessage(ctx, msg)
}

// handleMessage runs one accepted message through the turn loop and
// sends the reply back to its sender.
func (b *Bridge) handleMessage(ctx context.Context, msg InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	convID := ConversationID(msg.Sender)

	b.logger.Info("gateway message received",
		"sender", msg.Sender,
		"conversation_id", convID,
		"message_len", len(msg.Text),
	)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGateway,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"sender":          msg.Sender,
			"conversation_id": convID,
			"message_len":     len(msg.Text),
		},
	})

	resp, err := b.runner.Turn(ctx, agent.Request{
		ConversationID: convID,
		UserText:       formatMessage(msg),
		Model:          b.model,
	})
	if err != nil {
		b.logger.Error("gateway turn failed",
			"sender", msg.Sender,
			"conversation_id", convID,
			"error", err,
		)
		return
	}

	if resp.Content == "" {
		return
	}

	if err := b.sender.Send(ctx, msg.Sender, resp.Content); err != nil {
		b.logger.Error("gateway reply send failed",
			"sender", msg.Sender,
			"conversation_id", convID,
			"error", err,
		)
		return
	}

	b.logger.Info("gateway reply sent",
		"sender", msg.Sender,
		"conversation_id", convID,
		"response_len", len(resp.Content),
	)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGateway,
		Kind:      events.KindMessageSent,
		Data: map[string]any{
			"sender":          msg.Sender,
			"conversation_id": convID,
			"message_len":     len(resp.Content),
		},
	})
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// ConversationID derives the stable conversation identifier for a
// gateway sender.
func ConversationID(sender string) string {
	return "gw-" + sanitizeSender(sender)
}

// sanitizeSender strips non-alphanumeric characters from a sender ID
// to produce a safe conversation ID component.
func sanitizeSender(sender string) string {
	var sb strings.Builder
	for _, r := range sender {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// formatMessage builds the user-facing content for the turn loop from
// a received gateway message.
func formatMessage(msg InboundMessage) string {
	sender := msg.Sender
	if msg.SenderName != "" {
		sender = fmt.Sprintf("%s (%s)", msg.SenderName, msg.Sender)
	}
	return fmt.Sprintf("Message from %s:\n\n%s", sender, msg.Text)
}
