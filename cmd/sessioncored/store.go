package main

import (
	"context"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// openStore returns a sqlite-backed store at path, or an in-memory store
// when path is empty.
func openStore(ctx context.Context, path string, log telemetry.Logger) (eventlog.Store, error) {
	if path == "" {
		return eventlog.NewMemStore(log), nil
	}
	return eventlog.NewSQLStore(ctx, path, log)
}
