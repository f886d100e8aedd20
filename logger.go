package walloc

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with walloc-specific context.
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

// WithTier adds a tier field to the logger.
func (l *Logger) WithTier(tier Tier) *Logger {
	return &Logger{
		Logger: l.Logger.With("tier", tier.String()),
	}
}

// LogAllocate logs an allocation.
func (l *Logger) LogAllocate(ctx context.Context, tier Tier, size, offset uint32, fallback bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "allocate failed",
			"tier", tier.String(),
			"size", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "allocate completed",
			"tier", tier.String(),
			"size", size,
			"offset", offset,
			"fallback", fallback,
		)
	}
}

// LogFree logs a free operation.
func (l *Logger) LogFree(ctx context.Context, offset uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "free failed",
			"offset", offset,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "free completed",
			"offset", offset,
		)
	}
}

// LogReset logs a tier reset.
func (l *Logger) LogReset(ctx context.Context, tier Tier, reclaimed uint64) {
	l.DebugContext(ctx, "tier reset",
		"tier", tier.String(),
		"reclaimed_bytes", reclaimed,
	)
}

// LogCompact logs a tier compaction.
func (l *Logger) LogCompact(ctx context.Context, tier Tier, preserve uint32, reclaimed uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compact failed",
			"tier", tier.String(),
			"preserve_bytes", preserve,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "tier compacted",
			"tier", tier.String(),
			"preserve_bytes", preserve,
			"reclaimed_bytes", reclaimed,
		)
	}
}

// LogGrow logs a page growth of the linear memory.
func (l *Logger) LogGrow(ctx context.Context, fromPages, toPages uint32) {
	l.InfoContext(ctx, "linear memory grown",
		"from_pages", fromPages,
		"to_pages", toPages,
	)
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, bytesWritten int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot written",
			"bytes", bytesWritten,
		)
	}
}

// LogRestore logs a snapshot restore.
func (l *Logger) LogRestore(ctx context.Context, pages uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot restored",
			"pages", pages,
		)
	}
}
