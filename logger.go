package embedbag

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with embedbag-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTable adds a table name field to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", name),
	}
}

// WithPooling adds a pooling mode field to the logger.
func (l *Logger) WithPooling(p Pooling) *Logger {
	return &Logger{
		Logger: l.Logger.With("pooling", p.String()),
	}
}

// LogForward logs one forward pass.
func (l *Logger) LogForward(ctx context.Context, bags, rows int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "forward failed",
			"bags", bags,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "forward completed",
			"bags", bags,
			"rows", rows,
		)
	}
}

// LogUpdate logs a row update.
func (l *Logger) LogUpdate(ctx context.Context, table string, row int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "row update failed",
			"table", table,
			"row", row,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "row update completed",
			"table", table,
			"row", row,
		)
	}
}

// LogSnapshot logs a table snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, table string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"table", table,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"table", table,
		)
	}
}
