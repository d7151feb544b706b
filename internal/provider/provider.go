// Package provider defines the narrow streaming interface the stream
// pipeline drives a turn through. Concrete provider SDK bindings
// (Anthropic, OpenAI, and so on) are an external concern; this package
// only fixes the chunk vocabulary and request/usage shapes every binding
// must produce.
package provider

import (
	"context"

	"github.com/sessionforge/sessioncore/internal/model"
	"github.com/sessionforge/sessioncore/internal/tokens"
)

// ChunkType tags one streamed unit from a provider.
type ChunkType string

const (
	ChunkStart          ChunkType = "start"
	ChunkTextStart      ChunkType = "text_start"
	ChunkTextDelta      ChunkType = "text_delta"
	ChunkTextEnd        ChunkType = "text_end"
	ChunkThinkingStart  ChunkType = "thinking_start"
	ChunkThinkingDelta  ChunkType = "thinking_delta"
	ChunkThinkingEnd    ChunkType = "thinking_end"
	ChunkToolCallStart  ChunkType = "toolcall_start"
	ChunkToolCallDelta  ChunkType = "toolcall_delta"
	ChunkToolCallEnd    ChunkType = "toolcall_end"
	ChunkDone           ChunkType = "done"
	ChunkError          ChunkType = "error"
)

// StopReason is the provider's terminal classification for a ChunkDone.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// Chunk is one unit yielded by a Generator's stream. Only the fields
// relevant to ChunkType are populated.
type Chunk struct {
	Type ChunkType

	TextDelta     string
	ThinkingDelta string

	ToolCallID         string
	ToolCallName       string
	ToolCallInputDelta string
	ToolCallInput      map[string]any

	StopReason StopReason
	Usage      *tokens.Source
	Err        error
}

// ToolDeclaration describes one callable tool to a provider.
type ToolDeclaration struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StreamRequest is one turn's provider-facing request.
type StreamRequest struct {
	Model    string
	Messages []model.Message
	Tools    []ToolDeclaration
	System   string
}

// Generator streams one turn's response as a channel of Chunks. The
// channel is closed after a ChunkDone or ChunkError; ctx cancellation
// must stop the stream and close the channel promptly.
type Generator interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan Chunk, error)
}
