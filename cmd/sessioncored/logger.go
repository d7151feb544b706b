package main

import (
	"context"
	"fmt"
	"log/slog"

	"goa.design/clue/log"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// buildLogger resolves --log-format/--log-level into a telemetry.Logger and
// the context it expects to be called with. "auto" picks dev output for an
// interactive terminal and clue's structured JSON otherwise.
func buildLogger(format, level string) (telemetry.Logger, context.Context, error) {
	slogLevel, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	useDev := format == "dev"
	if format == "auto" {
		useDev = log.IsTerminal()
	}

	if useDev {
		return telemetry.NewDevLogger(slogLevel), context.Background(), nil
	}

	clueFormat := log.FormatJSON
	ctx := log.Context(context.Background(), log.WithFormat(clueFormat))
	if slogLevel <= slog.LevelDebug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return telemetry.NewClueLogger(), ctx, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
