package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below slog.LevelDebug and carries full
// wire payloads: request and response JSON exactly as sent. Enable it
// only while diagnosing a provider bug; the volume is enormous.
const LevelTrace = slog.Level(-8)

// levelNames maps config strings to levels. "warning" is accepted as
// an alias because it keeps showing up in hand-edited configs.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a case-insensitive level name to a
// slog.Level. The empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want trace, debug, info, warn, or error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames renders LevelTrace as "TRACE" in output. slog
// prints unknown levels relative to the nearest named one, which
// would show trace lines as "DEBUG-4". Pass it as ReplaceAttr when
// building a handler by hand; NewLogger already wires it in.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// NewLogger builds the process logger. format is "text" or "json".
// The caller installs the result as the slog default exactly once at
// startup; components derive child loggers from it and never replace
// the handler afterward.
func NewLogger(w io.Writer, levelStr, format string) (*slog.Logger, error) {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	return slog.New(handler), nil
}
