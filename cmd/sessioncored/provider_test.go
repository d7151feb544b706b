package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessioncore/internal/model"
	"github.com/sessionforge/sessioncore/internal/provider"
)

func TestEchoGeneratorEchoesLastTextMessage(t *testing.T) {
	gen := echoGenerator{}
	req := provider.StreamRequest{
		Messages: []model.Message{
			{Role: "user", Parts: []model.Part{model.TextPart{Text: "hello there"}}},
		},
	}
	ch, err := gen.Stream(context.Background(), req)
	require.NoError(t, err)

	var delta string
	var sawDone bool
	for chunk := range ch {
		if chunk.Type == provider.ChunkTextDelta {
			delta = chunk.TextDelta
		}
		if chunk.Type == provider.ChunkDone {
			sawDone = true
			assert.Equal(t, provider.StopEndTurn, chunk.StopReason)
		}
	}
	assert.Equal(t, "echo: hello there", delta)
	assert.True(t, sawDone)
}

func TestEchoGeneratorStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := echoGenerator{}
	ch, err := gen.Stream(ctx, provider.StreamRequest{})
	require.NoError(t, err)

	for range ch {
		// Drain; the generator must close the channel promptly rather
		// than hang on a canceled context.
	}
}
