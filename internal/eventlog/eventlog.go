// Package eventlog provides durable, append-only conversation event
// storage. Each conversation is one JSONL file under the log root; one
// self-describing JSON event per line. The log is the single source of
// truth for conversation state: every message, tool call, and tool
// result is appended here, including failed attempts, so a conversation
// can be replayed after a restart.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Event kinds. Readers must tolerate kinds they do not recognize:
// unknown kinds are skipped on read, never a decode failure, so the
// on-disk format stays forward-readable.
const (
	KindMessage    = "message"
	KindToolCall   = "tool-call"
	KindToolResult = "tool-result"
)

// knownKinds gates which discriminants ReadAll yields.
var knownKinds = map[string]bool{
	KindMessage:    true,
	KindToolCall:   true,
	KindToolResult: true,
}

// ToolInfo describes the tool invocation recorded on a tool-call event.
type ToolInfo struct {
	Name          string         `json:"name"`
	Args          map[string]any `json:"args,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ToolResult records the outcome of a tool execution on a tool-result
// event. Exactly one of Payload/Error is meaningful, gated by OK.
type ToolResult struct {
	OK            bool            `json:"ok"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Event is one immutable record in a conversation log. Events are
// never mutated or deleted after a successful append.
type Event struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Role    string    `json:"role"`
	Kind    string    `json:"kind"`
	Content string    `json:"content,omitempty"`

	// Tool is present on tool-call kind events.
	Tool *ToolInfo `json:"tool,omitempty"`

	// ToolResult is present on tool-result kind events.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Synthetic marks loop-generated terminal messages (round limit
	// reached) so they are distinguishable from organic model answers
	// when replaying the log.
	Synthetic bool `json:"synthetic,omitempty"`
}

// SanitizeID reduces a conversation identifier to the character class
// [A-Za-z0-9._-] so it is safe to use as a file name. An identifier
// that sanitizes to empty is an error rather than a silent collision
// on a sentinel name.
func SanitizeID(id string) (string, error) {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '.' || c == '_' || c == '-':
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("conversation id %q sanitizes to empty", id)
	}
	return string(out), nil
}

// Store is a JSONL-backed event log. Appends to the same conversation
// serialize behind a per-conversation mutex; appends to different
// conversations never block each other.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the log root directory if needed and returns a
// Store. A nil logger falls back to slog.Default().
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the log root directory.
func (s *Store) Dir() string {
	return s.dir
}

// lockFor returns the mutex guarding one conversation's file.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".jsonl")
}

// Append durably records one event. The event's ID and timestamp are
// assigned here when unset, so append order defines logical order.
// The write is one line flushed to disk before Append returns; after a
// nil return the event is visible to any subsequent ReadAll.
func (s *Store) Append(conversationID string, ev Event) error {
	key, err := SanitizeID(conversationID)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if !knownKinds[ev.Kind] {
		return fmt.Errorf("append: unknown event kind %q", ev.Kind)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("append: marshal event: %w", err)
	}

	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append: open %s: %w", key, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append: write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("append: sync %s: %w", key, err)
	}
	return nil
}

// ReadAll returns every event appended to the conversation so far, in
// append order. A conversation that has never been written yields an
// empty slice and nil error. Lines that fail to decode (a truncated
// tail after a crash) or carry an unknown kind are skipped with a
// warning; they never fail the whole read.
func (s *Store) ReadAll(conversationID string) ([]Event, error) {
	key, err := SanitizeID(conversationID)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer f.Close()

	events := []Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("event log skipping undecodable line",
				"conversation", key,
				"line", lineNo,
				"error", err,
			)
			continue
		}
		if !knownKinds[ev.Kind] {
			s.logger.Warn("event log skipping unknown event kind",
				"conversation", key,
				"line", lineNo,
				"kind", ev.Kind,
			)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return events, nil
}

// Conversations lists the sanitized conversation identifiers that have
// at least one appended event, sorted by file name.
func (s *Store) Conversations() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".jsonl")])
	}
	return ids, nil
}
