package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spanledger/spanledger/internal/config"
)

// NewLogger builds the process logger from the logging configuration.
// Records carry trace_id and span_id whenever the context holds an
// active trace.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerTo(os.Stderr, cfg)
}

// NewLoggerTo is NewLogger writing to an explicit destination.
func NewLoggerTo(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var inner slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}

	return slog.New(NewTraceLogHandler(inner))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
