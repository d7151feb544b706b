package convo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/model"
	"github.com/sessionforge/sessioncore/internal/tokens"
)

type fakeAppender struct {
	events   []eventlog.EventType
	payloads []eventlog.Payload
}

func (f *fakeAppender) AppendEvent(_ context.Context, t eventlog.EventType, p eventlog.Payload) (eventlog.Event, error) {
	f.events = append(f.events, t)
	f.payloads = append(f.payloads, p)
	return eventlog.Event{ID: "ev-" + string(t), Type: t}, nil
}

func TestSnapshotReflectsAppendedUsage(t *testing.T) {
	m := New(1000, nil)
	m.AppendUser("hello", "ev-1")
	m.AppendAssistant(model.NewSystemText("hi there"), &tokens.Record{
		Computed: tokens.Computed{ContextWindowTokens: 500},
	}, "ev-2")

	snap := m.Snapshot()
	assert.Equal(t, 500, snap.CurrentTokens)
	assert.Equal(t, 2, snap.MessageCount)
	assert.Equal(t, 50.0, snap.UsagePercent)
	assert.Equal(t, ThresholdElevated, snap.ThresholdState)
}

func TestShouldCompactCrossesThreshold(t *testing.T) {
	m := New(1000, nil)
	m.AppendAssistant(model.NewSystemText("x"), &tokens.Record{Computed: tokens.Computed{ContextWindowTokens: 700}}, "")
	assert.False(t, m.ShouldCompact())

	m.AppendAssistant(model.NewSystemText("y"), &tokens.Record{Computed: tokens.Computed{ContextWindowTokens: 760}}, "")
	assert.True(t, m.ShouldCompact())
}

func TestPreviewCompactionIsIdempotent(t *testing.T) {
	m := New(1000, nil)
	for i := 0; i < 10; i++ {
		m.AppendUser("message body text that is moderately long", "")
	}
	m.AppendAssistant(model.NewSystemText("reply"), &tokens.Record{Computed: tokens.Computed{ContextWindowTokens: 800}}, "")

	first := m.PreviewCompaction()
	second := m.PreviewCompaction()
	require.Equal(t, first, second)
	assert.Less(t, first.TokensAfter, first.TokensBefore)
	assert.Less(t, first.CompressionRatio, 1.0)
}

func TestConfirmCompactionWritesBoundaryAndSummaryEvents(t *testing.T) {
	appender := &fakeAppender{}
	m := New(1000, appender)
	for i := 0; i < 10; i++ {
		m.AppendUser("filler", fmt.Sprintf("ev-user-%d", i))
	}
	m.AppendAssistant(model.NewSystemText("reply"), &tokens.Record{Computed: tokens.Computed{ContextWindowTokens: 800}}, "ev-assistant")

	result, err := m.ConfirmCompaction(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 800, result.TokensBefore)
	assert.Less(t, result.TokensAfter, result.TokensBefore)
	assert.NotEmpty(t, result.Summary)

	require.Equal(t, []eventlog.EventType{eventlog.EventCompactBoundary, eventlog.EventCompactSummary}, appender.events)

	boundary, ok := appender.payloads[0].(eventlog.CompactBoundaryPayload)
	require.True(t, ok)
	assert.Equal(t, "ev-user-0", boundary.FromEventID)
	assert.NotEmpty(t, boundary.ToEventID)

	msgs := m.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.LessOrEqual(t, len(msgs), tailRetentionCount+1)
}

func TestConfirmCompactionRetainsMessagesWhenUnderTailCount(t *testing.T) {
	appender := &fakeAppender{}
	m := New(1000, appender)
	m.AppendUser("only one message", "ev-1")

	result, err := m.ConfirmCompaction(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Nothing collapses when the whole buffer fits in the retained tail, so
	// the boundary event carries an empty range.
	boundary, ok := appender.payloads[0].(eventlog.CompactBoundaryPayload)
	require.True(t, ok)
	assert.Empty(t, boundary.FromEventID)
	assert.Empty(t, boundary.ToEventID)

	msgs := m.Messages()
	require.Len(t, msgs, 2) // summary + the single retained message
}

func TestCanAcceptTurnRejectsWhenProjectedExceedsMax(t *testing.T) {
	m := New(1000, nil)
	m.AppendAssistant(model.NewSystemText("x"), &tokens.Record{Computed: tokens.Computed{ContextWindowTokens: 900}}, "")

	res := m.CanAcceptTurn(50)
	assert.True(t, res.CanProceed)
	assert.True(t, res.NeedsCompaction)

	res2 := m.CanAcceptTurn(200)
	assert.False(t, res2.CanProceed)
	assert.Equal(t, "contextExceeded", res2.Reason)
}

func TestSetMessagesReplacesBufferWholesale(t *testing.T) {
	m := New(1000, nil)
	m.AppendUser("old", "")
	m.SetMessages([]model.Message{model.NewUserText("new one"), model.NewUserText("new two")})

	msgs := m.Messages()
	require.Len(t, msgs, 2)
}
