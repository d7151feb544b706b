package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseLevelRejectsUnknownValue(t *testing.T) {
	_, err := parseLevel("verbose")
	assert.Error(t, err)
}

func TestBuildLoggerDevFormatReturnsUsableLogger(t *testing.T) {
	log, ctx, err := buildLogger("dev", "debug")
	require.NoError(t, err)
	require.NotNil(t, log)
	require.NotNil(t, ctx)
	// Exercising the Logger interface must not panic even without a
	// configured backend.
	log.Info(ctx, "test message", "k", "v")
}

func TestBuildLoggerRejectsBadLevel(t *testing.T) {
	_, _, err := buildLogger("dev", "bogus")
	assert.Error(t, err)
}
