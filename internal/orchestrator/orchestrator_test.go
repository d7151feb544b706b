package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/hooks"
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

func newTestOrchestrator() *Orchestrator {
	return New(Config{
		Store:      eventlog.NewMemStore(nil),
		Generator:  noopGenerator{},
		Registry:   tools.NewMapRegistry(),
		HookEngine: hooks.NewEngine(nil, nil),
	})
}

func TestCreateSessionRegistersActiveSession(t *testing.T) {
	o := newTestOrchestrator()
	info, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws1", Model: "claude"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.True(t, info.IsActive)

	snap, err := o.GetContextSnapshot(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.MessageCount)
}

func TestOperationsOnUnknownSessionReturnNotFound(t *testing.T) {
	o := newTestOrchestrator()
	_, err := o.GetContextSnapshot("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = o.Abort("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPromptAcknowledgesImmediatelyAndRunsInBackground(t *testing.T) {
	o := newTestOrchestrator()
	info, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws1", Model: "claude"})
	require.NoError(t, err)

	start := time.Now()
	err = o.Prompt(info.ID, "hello")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestForkSessionCreatesIndependentActiveSession(t *testing.T) {
	o := newTestOrchestrator()
	info, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws1", Model: "claude"})
	require.NoError(t, err)

	events, err := o.cfg.Store.GetEventsBySession(context.Background(), info.ID, eventlog.EventQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	forked, err := o.ForkSession(context.Background(), info.ID, events[0].ID, "forked")
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, forked.ID)
	assert.Equal(t, info.ID, forked.ParentSessionID)

	_, err = o.GetContextSnapshot(forked.ID)
	require.NoError(t, err)
}

func TestSwitchModelAppendsEvent(t *testing.T) {
	o := newTestOrchestrator()
	info, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws1", Model: "claude-a"})
	require.NoError(t, err)

	require.NoError(t, o.SwitchModel(context.Background(), info.ID, "claude-b"))

	events, err := o.cfg.Store.GetEventsBySession(context.Background(), info.ID, eventlog.EventQuery{})
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.Type == eventlog.EventConfigModelSwitch {
			found = true
		}
	}
	assert.True(t, found)
}

func TestShutdownStopsAcceptingNewSessions(t *testing.T) {
	o := newTestOrchestrator()
	require.NoError(t, o.Shutdown(context.Background(), 100*time.Millisecond))

	_, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws1"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
