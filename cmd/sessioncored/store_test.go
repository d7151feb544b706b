package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

func TestOpenStoreDefaultsToMemStoreWhenPathEmpty(t *testing.T) {
	store, err := openStore(context.Background(), "", telemetry.NewNoopLogger())
	require.NoError(t, err)
	require.NotNil(t, store)
}
