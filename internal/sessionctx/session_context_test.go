package sessionctx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessioncore/internal/eventlog"
)

func newTestContext(t *testing.T) (*Context, eventlog.Store, string) {
	t.Helper()
	store := eventlog.NewMemStore(nil)
	sess, _, err := store.CreateSession(context.Background(), eventlog.SessionMeta{WorkspaceID: "ws1"})
	require.NoError(t, err)

	sc := New(sess.ID, store, 100000)
	return sc, store, sess.ID
}

func TestAppendEventSerializesSequence(t *testing.T) {
	sc, store, sessID := newTestContext(t)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := sc.AppendEvent(context.Background(), eventlog.EventMessageUser, eventlog.MessageUserPayload{Content: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := store.GetEventsBySession(context.Background(), sessID, eventlog.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, n+1) // +1 for session.start

	seen := map[uint64]bool{}
	for _, e := range events {
		require.False(t, seen[e.Sequence], "duplicate sequence %d", e.Sequence)
		seen[e.Sequence] = true
	}
}

func TestWithTurnLockExcludesConcurrentTurn(t *testing.T) {
	sc, _, _ := newTestContext(t)

	var inFlight int32
	var sawOverlap int32

	var wg sync.WaitGroup
	wg.Add(2)
	run := func() {
		defer wg.Done()
		_ = sc.WithTurnLock(context.Background(), func(ctx context.Context) error {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}
	go run()
	go run()
	wg.Wait()

	assert.Equal(t, int32(0), sawOverlap)
}

func TestWithPreviewLockAllowsConcurrentPreviews(t *testing.T) {
	sc, _, _ := newTestContext(t)

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	wg.Add(2)
	run := func() {
		defer wg.Done()
		_ = sc.WithPreviewLock(func() error {
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}
	go run()
	go run()
	wg.Wait()

	assert.Equal(t, int32(2), maxActive)
}

func TestAcceptsTurnFalseDuringTurnAndAfterDeactivate(t *testing.T) {
	sc, _, _ := newTestContext(t)
	assert.True(t, sc.AcceptsTurn())

	done := make(chan struct{})
	go func() {
		_ = sc.WithTurnLock(context.Background(), func(ctx context.Context) error {
			<-done
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, sc.AcceptsTurn())
	close(done)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, sc.AcceptsTurn())

	sc.Deactivate()
	assert.False(t, sc.AcceptsTurn())
}
