// Package tools is the sandboxed capability executor. The registry is
// a fixed allow-list: a tool call either names a registered capability
// or is rejected before anything runs. Execution never lets a failure
// escape as a Go error — every failure mode becomes a Result with
// ok=false so the model and the event log both see what happened.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/reeve/internal/normalize"
)

// Result is the uniform outcome of one capability execution. Exactly
// one of Payload/Error is meaningful, gated by OK.
type Result struct {
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Errorf builds a failed Result with a formatted reason.
func Errorf(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

// Capability is one named, schema-documented operation the executor is
// permitted to perform. Handlers validate their own arguments before
// any side-effecting action and return failures as Results, never as
// panics.
type Capability struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the manifest and the model
	Handler     func(ctx context.Context, args map[string]any) Result
}

// Registry holds the capability allow-list.
type Registry struct {
	caps   map[string]*Capability
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caps:   make(map[string]*Capability),
		logger: logger,
	}
}

// Register adds a capability to the allow-list.
func (r *Registry) Register(c *Capability) {
	r.caps[c.Name] = c
}

// Names returns registered capability names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a capability by name, or nil.
func (r *Registry) Get(name string) *Capability {
	return r.caps[name]
}

// Definitions returns the capability set in the function-descriptor
// shape model backends expect, sorted by name for stable manifests.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.caps))
	for _, name := range r.Names() {
		c := r.caps[name]
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        c.Name,
				"description": c.Description,
				"parameters":  c.Parameters,
			},
		})
	}
	return defs
}

// Execute runs exactly one canonical tool call against the allow-list.
// Unknown or disallowed names are rejected without any execution
// attempt. A panicking handler is converted to a failed Result so no
// failure crosses the component boundary as a crash.
func (r *Registry) Execute(ctx context.Context, call normalize.ToolCall) (res Result) {
	cap, ok := r.caps[call.Name]
	if !ok {
		r.logger.Warn("tool call rejected", "tool", call.Name, "reason", "not allowed")
		return Result{OK: false, Error: "tool not allowed"}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", rec)
			res = Errorf("%s: internal error", call.Name)
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	res = cap.Handler(ctx, args)
	r.logger.Debug("tool executed",
		"tool", call.Name,
		"ok", res.OK,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// stringArg extracts a required string argument, reporting the
// offending field by name on failure.
func stringArg(args map[string]any, field string) (string, Result, bool) {
	v, present := args[field]
	if !present {
		return "", Errorf("missing required field %q", field), false
	}
	s, ok := v.(string)
	if !ok {
		return "", Errorf("field %q must be a string", field), false
	}
	return s, Result{}, true
}

// intArg extracts an optional numeric argument. JSON numbers decode as
// float64; integral strings are not accepted.
func intArg(args map[string]any, field string, def int) (int, Result, bool) {
	v, present := args[field]
	if !present {
		return def, Result{}, true
	}
	switch n := v.(type) {
	case float64:
		return int(n), Result{}, true
	case int:
		return n, Result{}, true
	default:
		return 0, Errorf("field %q must be a number", field), false
	}
}

// clamp bounds v into [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
