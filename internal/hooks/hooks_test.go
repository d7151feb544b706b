package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBlocksInPriorityOrderAndStopsOnBlock(t *testing.T) {
	e := NewEngine(nil, nil)
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	_, err := e.Register(Registration{
		Name: "low", Type: TypePreToolUse, Priority: 1,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			record("low")
			return Result{Outcome: OutcomeContinue}, nil
		},
	})
	require.NoError(t, err)

	_, err = e.Register(Registration{
		Name: "high", Type: TypePreToolUse, Priority: 10,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			record("high")
			return Result{Outcome: OutcomeBlock, Reason: "policy"}, nil
		},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), Event{Type: TypePreToolUse, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlock, result.Outcome)
	assert.Equal(t, "policy", result.Reason)
	assert.Equal(t, []string{"high"}, order) // low never runs: block short-circuits
}

func TestRunMergesModifications(t *testing.T) {
	e := NewEngine(nil, nil)
	_, _ = e.Register(Registration{
		Name: "a", Type: TypeUserPromptSubmit, Priority: 2,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			return Result{Outcome: OutcomeModify, Modifications: map[string]any{"a": 1}}, nil
		},
	})
	_, _ = e.Register(Registration{
		Name: "b", Type: TypeUserPromptSubmit, Priority: 1,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			return Result{Outcome: OutcomeModify, Modifications: map[string]any{"b": 2}}, nil
		},
	})

	result, err := e.Run(context.Background(), Event{Type: TypeUserPromptSubmit})
	require.NoError(t, err)
	assert.Equal(t, OutcomeModify, result.Outcome)
	assert.Equal(t, 1, result.Modifications["a"])
	assert.Equal(t, 2, result.Modifications["b"])
}

func TestPostToolUseRegisteredBackgroundRunsWithoutBlockingRun(t *testing.T) {
	e := NewEngine(nil, nil)
	started := make(chan struct{})
	_, err := e.Register(Registration{
		Name: "bg", Type: TypePostToolUse, Mode: ModeBackground,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			close(started)
			return Result{Outcome: OutcomeContinue}, nil
		},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Run(context.Background(), Event{Type: TypePostToolUse})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("background hook never ran")
	}
	e.WaitBackground()
}

func TestPreToolUseIsForcedBlockingEvenIfRegisteredBackground(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.Register(Registration{
		Name: "force", Type: TypePreToolUse, Mode: ModeBackground,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			return Result{Outcome: OutcomeBlock, Reason: "forced"}, nil
		},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), Event{Type: TypePreToolUse})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlock, result.Outcome)
}

func TestBlockingHookTimeoutFailsOpen(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.Register(Registration{
		Name: "slow", Type: TypePreCompact, Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			<-ctx.Done()
			return Result{Outcome: OutcomeBlock}, nil
		},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), Event{Type: TypePreCompact})
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, result.Outcome)
}

func TestBlockingHookErrorFailsOpen(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.Register(Registration{
		Name: "erroring", Type: TypePreToolUse,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			return Result{}, errors.New("boom")
		},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), Event{Type: TypePreToolUse})
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, result.Outcome)
}

func TestFilterExcludesNonMatchingEvents(t *testing.T) {
	e := NewEngine(nil, nil)
	var called bool
	_, err := e.Register(Registration{
		Name: "filtered", Type: TypePreToolUse,
		Filter: func(ev Event) bool { return ev.Fields["tool"] == "bash" },
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			called = true
			return Result{Outcome: OutcomeContinue}, nil
		},
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), Event{Type: TypePreToolUse, Fields: map[string]any{"tool": "grep"}})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	e := NewEngine(nil, nil)
	var calls int
	sub, err := e.Register(Registration{
		Name: "once", Type: TypeStop, Mode: ModeBlocking,
		Handler: func(ctx context.Context, ev Event) (Result, error) {
			calls++
			return Result{Outcome: OutcomeContinue}, nil
		},
	})
	require.NoError(t, err)

	_, _ = e.Run(context.Background(), Event{Type: TypeStop})
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent
	_, _ = e.Run(context.Background(), Event{Type: TypeStop})

	assert.Equal(t, 1, calls)
}
