package main

import (
	"context"

	"github.com/sessionforge/sessioncore/internal/model"
	"github.com/sessionforge/sessioncore/internal/provider"
)

// echoGenerator is a placeholder provider.Generator: it streams the last
// user message back as a single text delta. Concrete provider bindings
// (Anthropic, OpenAI, ...) are out of scope; this exists so "serve" has
// something to drive end to end without one.
type echoGenerator struct{}

func (echoGenerator) Stream(ctx context.Context, req provider.StreamRequest) (<-chan provider.Chunk, error) {
	var last string
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if text, ok := part.(model.TextPart); ok && text.Text != "" {
				last = text.Text
			}
		}
	}

	ch := make(chan provider.Chunk, 4)
	go func() {
		defer close(ch)
		reply := "echo: " + last
		send := func(c provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(provider.Chunk{Type: provider.ChunkTextStart}) {
			return
		}
		if !send(provider.Chunk{Type: provider.ChunkTextDelta, TextDelta: reply}) {
			return
		}
		if !send(provider.Chunk{Type: provider.ChunkTextEnd}) {
			return
		}
		send(provider.Chunk{Type: provider.ChunkDone, StopReason: provider.StopEndTurn})
	}()
	return ch, nil
}
