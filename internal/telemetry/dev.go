package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// DevLogger is a colorized, human-readable Logger for local development and
// for running cmd/sessioncored against a terminal. It wraps log/slog with a
// tint handler rather than clue's structured JSON output.
type DevLogger struct {
	logger *slog.Logger
}

// NewDevLogger constructs a DevLogger at the given minimum level. Color is
// disabled automatically when stdout is not a terminal (e.g. piped to a
// file or into another process).
func NewDevLogger(level slog.Level) Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		TimeFormat: time.Kitchen,
		Level:      level,
	})
	return DevLogger{logger: slog.New(handler)}
}

func (l DevLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.logger.DebugContext(ctx, msg, keyvals...)
}

func (l DevLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.logger.InfoContext(ctx, msg, keyvals...)
}

func (l DevLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.logger.WarnContext(ctx, msg, keyvals...)
}

func (l DevLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.logger.ErrorContext(ctx, msg, keyvals...)
}
