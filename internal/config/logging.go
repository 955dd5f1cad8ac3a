package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level
// payloads (full model request/response JSON). The value -8 follows
// the convention used by OpenTelemetry and other projects that extend
// slog with a trace level. Enable it only when chasing a
// provider-specific bug; the volume is enormous.
const LevelTrace = slog.Level(-8)

// logLevels maps the accepted log_level config values. The empty
// string is normal operation.
var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a log_level config string to an
// [slog.Level]. Matching is case-insensitive and ignores surrounding
// whitespace; the empty string means Info.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w. format selects the
// slog handler: "json", or "text" for anything else ([Config.Validate]
// rejects unknown formats before this runs). Every logger in Reeve
// comes from here so that the trace level renders by name everywhere.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameTraceLevel,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// renameTraceLevel renders [LevelTrace] as "TRACE" in log output; slog
// would otherwise print it as "DEBUG-4".
func renameTraceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
