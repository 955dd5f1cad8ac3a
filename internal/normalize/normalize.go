// Package normalize reduces raw model responses to canonical tool
// calls. Models request tools in two encodings: structured descriptors
// attached to the response, and a bare JSON object in the response text
// ({"tool": "...", "args": {...}}). Both reduce to the same ToolCall
// shape here so nothing downstream special-cases the wire format.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// UnknownToolName is the sentinel used when a tool name sanitizes to
// empty. The executor rejects it like any other disallowed tool, which
// keeps the bad request visible in the event log instead of silently
// dropping it.
const UnknownToolName = "unknown-tool"

// ToolCall is the canonical form of one tool invocation request,
// independent of which encoding it arrived in. ToolCalls are transient:
// they are consumed by the executor and re-serialized into event form
// by the orchestrator, never persisted directly.
type ToolCall struct {
	CorrelationID string
	Name          string
	Args          map[string]any
}

// Descriptor is one structured call descriptor as delivered by a model
// provider: a function name plus an arguments object.
type Descriptor struct {
	ID   string
	Name string
	Args map[string]any
}

// Normalize interprets one raw model response. It returns the non-tool
// textual content and zero or more canonical tool calls, in request
// order.
//
// Structured descriptors take precedence; the inline-text encoding is
// only consulted when no descriptors are present. Text alongside
// structured descriptors is preserved as the assistant's content, not
// discarded. Malformed inline JSON is a protocol-class condition: it
// means "no tool call", never an error.
func Normalize(text string, descriptors []Descriptor) (string, []ToolCall) {
	if len(descriptors) > 0 {
		calls := make([]ToolCall, 0, len(descriptors))
		for _, d := range descriptors {
			calls = append(calls, fromDescriptor(d))
		}
		return text, calls
	}

	if call, ok := parseInline(text); ok {
		return "", []ToolCall{call}
	}
	return text, nil
}

// fromDescriptor converts one structured descriptor to canonical form.
// A descriptor whose arguments carry a string "tool" field and a
// present "args" field is an indirection wrapper (a generic "call a
// tool" function); the inner name and args win over the descriptor's
// own function name.
func fromDescriptor(d Descriptor) ToolCall {
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}

	name := d.Name
	args := d.Args

	if inner, innerArgs, ok := unwrapIndirection(d.Args); ok {
		name = inner
		args = innerArgs
	}
	if args == nil {
		args = map[string]any{}
	}

	return ToolCall{
		CorrelationID: id,
		Name:          SanitizeName(name),
		Args:          args,
	}
}

// unwrapIndirection detects the {tool: "X", args: {...}} wrapper shape
// inside a descriptor's arguments.
func unwrapIndirection(args map[string]any) (string, map[string]any, bool) {
	if args == nil {
		return "", nil, false
	}
	tool, ok := args["tool"].(string)
	if !ok || tool == "" {
		return "", nil, false
	}
	inner, present := args["args"]
	if !present {
		return "", nil, false
	}
	return tool, coerceArgs(inner), true
}

// parseInline recognizes the inline-text encoding: the entire trimmed
// response is a single JSON object with a non-empty string "tool" field
// and a present (possibly null) "args" field. Anything else is an
// ordinary message.
func parseInline(text string) (ToolCall, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return ToolCall{}, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return ToolCall{}, false
	}

	rawTool, ok := obj["tool"]
	if !ok {
		return ToolCall{}, false
	}
	var tool string
	if err := json.Unmarshal(rawTool, &tool); err != nil || tool == "" {
		return ToolCall{}, false
	}

	rawArgs, ok := obj["args"]
	if !ok {
		return ToolCall{}, false
	}
	var args any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return ToolCall{}, false
	}

	return ToolCall{
		CorrelationID: uuid.New().String(),
		Name:          SanitizeName(tool),
		Args:          coerceArgs(args),
	}, true
}

// coerceArgs normalizes an arguments value to a map. Models sometimes
// double-encode args as a JSON string; a string that parses to an
// object is unwrapped. nil and non-object shapes become an empty map.
func coerceArgs(v any) map[string]any {
	switch args := v.(type) {
	case map[string]any:
		return args
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(args), &m); err == nil {
			return m
		}
	}
	return map[string]any{}
}

// SanitizeName strips every character outside [A-Za-z0-9._-] from a
// tool name. A name that is empty after stripping maps to
// [UnknownToolName] so the rejection happens in the executor, visibly,
// rather than the call vanishing here.
func SanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '.' || c == '_' || c == '-':
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return UnknownToolName
	}
	return string(out)
}
