package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/aesterisk/aesterisk/internal/shared"
)

// Options control NewLogger.
type Options struct {
	// Dir receives <Component>.jsonl.
	Dir       string
	Component string
	Level     string
	// Quiet suppresses console output.
	Quiet bool
	// Console overrides os.Stdout, mainly for tests.
	Console io.Writer
}

// NewLogger returns a logger that writes JSON lines to Dir and, unless Quiet,
// a human-readable copy to the console. The console copy is JSON as well when
// stdout is not a terminal, so container log collectors get one format.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Component == "" {
		opts.Component = "relay"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(opts.Dir, opts.Component+".jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler = slog.NewJSONHandler(file, handlerOpts)
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stdout
		}
		var ch slog.Handler
		if f, ok := console.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			ch = slog.NewTextHandler(console, handlerOpts)
		} else {
			ch = slog.NewJSONHandler(console, handlerOpts)
		}
		handler = fanout{handler, ch}
	}

	logger := slog.New(handler).With("component", opts.Component)
	return logger, file, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "private_key", "challenge"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
