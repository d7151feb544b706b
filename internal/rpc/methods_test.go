package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/hooks"
	"github.com/sessionforge/sessioncore/internal/orchestrator"
	"github.com/sessionforge/sessioncore/internal/provider"
	"github.com/sessionforge/sessioncore/internal/tools"
)

type noopGenerator struct{}

func (noopGenerator) Stream(ctx context.Context, req provider.StreamRequest) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, 1)
	ch <- provider.Chunk{Type: provider.ChunkDone, StopReason: provider.StopEndTurn}
	close(ch)
	return ch, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *orchestrator.Orchestrator) {
	t.Helper()
	orch := orchestrator.New(orchestrator.Config{
		Store:      eventlog.NewMemStore(nil),
		Generator:  noopGenerator{},
		Registry:   tools.NewMapRegistry(),
		HookEngine: hooks.NewEngine(nil, nil),
	})
	reg := NewRegistry()
	require.NoError(t, RegisterOrchestratorMethods(reg, orch))
	return NewDispatcher(DispatcherConfig{Registry: reg}), orch
}

func TestSessionCreateMethodRegistersASession(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "conn-1", Request{
		ID: "r1", Method: "session.create", Params: json.RawMessage(`{"workspaceId":"ws1"}`),
	})
	require.True(t, resp.Success)

	info, ok := resp.Result.(orchestrator.Info)
	require.True(t, ok)
	assert.NotEmpty(t, info.ID)
}

func TestSessionCreateMissingWorkspaceIsInvalidParams(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "session.create", Params: json.RawMessage(`{}`)})
	require.False(t, resp.Success)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestContextGetSnapshotOnUnknownSessionIsSessionNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "conn-1", Request{
		ID: "r1", Method: "context.getSnapshot", Params: json.RawMessage(`{"sessionId":"missing"}`),
	})
	require.False(t, resp.Success)
	assert.Equal(t, CodeSessionNotFound, resp.Error.Code)
}

func TestAgentPromptThenAbortRoundTrip(t *testing.T) {
	d, orch := newTestDispatcher(t)
	created, err := orch.CreateSession(context.Background(), orchestrator.CreateOptions{WorkspaceID: "ws1"})
	require.NoError(t, err)

	params, _ := json.Marshal(map[string]string{"sessionId": created.ID, "prompt": "hi"})
	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "agent.prompt", Params: params})
	require.True(t, resp.Success)

	abortParams, _ := json.Marshal(map[string]string{"sessionId": created.ID})
	abortResp := d.Handle(context.Background(), "conn-1", Request{ID: "r2", Method: "agent.abort", Params: abortParams})
	require.True(t, abortResp.Success)
}

func TestModelSwitchMethodAppendsEvent(t *testing.T) {
	d, orch := newTestDispatcher(t)
	created, err := orch.CreateSession(context.Background(), orchestrator.CreateOptions{WorkspaceID: "ws1", Model: "claude-a"})
	require.NoError(t, err)

	params, _ := json.Marshal(map[string]string{"sessionId": created.ID, "modelId": "claude-b"})
	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "model.switch", Params: params})
	require.True(t, resp.Success)

	events, err := orch.Store().GetEventsBySession(context.Background(), created.ID, eventlog.EventQuery{
		Types: []eventlog.EventType{eventlog.EventConfigModelSwitch},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventsAppendThenGetHistoryRoundTrip(t *testing.T) {
	d, orch := newTestDispatcher(t)
	created, err := orch.CreateSession(context.Background(), orchestrator.CreateOptions{WorkspaceID: "ws1"})
	require.NoError(t, err)

	appendParams, _ := json.Marshal(map[string]any{
		"sessionId": created.ID,
		"type":      "client.note",
		"payload":   map[string]any{"text": "hello"},
	})
	appendResp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "events.append", Params: appendParams})
	require.True(t, appendResp.Success)
	appended, ok := appendResp.Result.(eventlog.Event)
	require.True(t, ok)
	assert.Equal(t, eventlog.EventType("client.note"), appended.Type)

	historyParams, _ := json.Marshal(map[string]string{"sessionId": created.ID})
	historyResp := d.Handle(context.Background(), "conn-1", Request{ID: "r2", Method: "events.getHistory", Params: historyParams})
	require.True(t, historyResp.Success)
	events, ok := historyResp.Result.([]eventlog.Event)
	require.True(t, ok)
	assert.NotEmpty(t, events)

	sinceParams, _ := json.Marshal(map[string]string{"sessionId": created.ID, "afterEventId": events[0].ID})
	sinceResp := d.Handle(context.Background(), "conn-1", Request{ID: "r3", Method: "events.getSince", Params: sinceParams})
	require.True(t, sinceResp.Success)
}

func TestUnregisteredNamespaceMethodIsMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "memory.search", Params: json.RawMessage(`{}`)})
	require.False(t, resp.Success)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}
