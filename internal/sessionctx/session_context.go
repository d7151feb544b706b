// Package sessionctx implements per-session linearization: a single queue
// that serializes every event append for one session, while leaving
// cross-session operations free to run concurrently. Message-buffer
// mutations do not pass through that queue; they are guarded by the
// context manager's own lock.
package sessionctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessionforge/sessioncore/internal/convo"
	"github.com/sessionforge/sessioncore/internal/eventlog"
)

// TurnLock is the per-session exclusion primitive withTurnLock acquires.
// Preview-style callers share a read-style acquire; confirm-style callers
// need exclusive access. This mirrors a sync.RWMutex's semantics exactly,
// so that is what backs it.
type TurnLock struct {
	mu sync.RWMutex
}

// AcquireShared blocks until a shared (preview) slot is available and
// returns a release function.
func (t *TurnLock) AcquireShared() func() {
	t.mu.RLock()
	return t.mu.RUnlock
}

// AcquireExclusive blocks until the turn lock is free of any shared or
// exclusive holder and returns a release function.
func (t *TurnLock) AcquireExclusive() func() {
	t.mu.Lock()
	return t.mu.Unlock
}

// Context is the per-session linearization boundary. The stream pipeline,
// RPC handlers, and background hook completions all go through one
// Context instance per session; a Context never blocks on another
// session's Context.
type Context struct {
	sessionID string

	// appendMu serializes every event-store append made through this
	// Context, independent of the turn lock. Convo buffer mutations are not
	// taken under appendMu; convo.Manager locks its own mutex. This is what
	// gives GetEventsBySession callers a dense, monotonic per-session
	// sequence even when hooks and the stream pipeline race to append.
	appendMu sync.Mutex

	turnLock TurnLock

	store eventlog.Store
	convo *convo.Manager

	mu       sync.RWMutex
	active   bool
	inTurn   bool
}

// New constructs a session context bound to one session's store, owning a
// freshly built context manager sized to maxContextSize. The context
// manager's EventAppender is the Context itself, so compaction events
// flow through the same per-session serialization as everything else.
func New(sessionID string, store eventlog.Store, maxContextSize int) *Context {
	c := &Context{
		sessionID: sessionID,
		store:     store,
		active:    true,
	}
	c.convo = convo.New(maxContextSize, c)
	return c
}

// AppendEvent serializes the append through the session's queue and calls
// the event store. It satisfies convo.EventAppender, so a Context can be
// handed directly to convo.New.
func (c *Context) AppendEvent(ctx context.Context, t eventlog.EventType, payload eventlog.Payload) (eventlog.Event, error) {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	return c.store.Append(ctx, eventlog.AppendRequest{
		SessionID: c.sessionID,
		Type:      t,
		Payload:   payload,
	})
}

// AppendEventWithParent is AppendEvent for a caller that needs to pin a
// specific parent (e.g. a tool.result whose parent is the assistant
// message that requested it, even if other events were appended to the
// session tip in between — used when independent tool calls run
// concurrently and each result must parent off the originating tool call
// rather than the current tip).
func (c *Context) AppendEventWithParent(ctx context.Context, t eventlog.EventType, payload eventlog.Payload, parentID string) (eventlog.Event, error) {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	return c.store.Append(ctx, eventlog.AppendRequest{
		SessionID: c.sessionID,
		Type:      t,
		Payload:   payload,
		ParentID:  parentID,
	})
}

// Convo exposes the session's context manager for read-mostly access
// (snapshotting, building the next provider request). Mutating calls
// should go through WithTurnLock when they must exclude a concurrent
// compaction or another turn.
func (c *Context) Convo() *convo.Manager {
	return c.convo
}

// WithTurnLock runs fn holding the session's turn lock exclusively: only
// one turn may stream, and no preview can run concurrently with it.
func (c *Context) WithTurnLock(ctx context.Context, fn func(ctx context.Context) error) error {
	release := c.turnLock.AcquireExclusive()
	defer release()

	c.mu.Lock()
	c.inTurn = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inTurn = false
		c.mu.Unlock()
	}()

	return fn(ctx)
}

// WithPreviewLock runs fn holding a shared acquire of the turn lock: it
// may run concurrently with another preview, but excludes (and is
// excluded by) an in-flight turn or confirm.
func (c *Context) WithPreviewLock(fn func() error) error {
	release := c.turnLock.AcquireShared()
	defer release()
	return fn()
}

// AcceptsTurn reports whether the orchestrator may start a new turn on
// this session right now.
func (c *Context) AcceptsTurn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active && !c.inTurn
}

// Deactivate marks the session context as no longer accepting new turns,
// used during shutdown and session end.
func (c *Context) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

// SessionID returns the bound session's identifier.
func (c *Context) SessionID() string {
	return c.sessionID
}

// ErrTurnInProgress is returned by callers that attempt to start a second
// concurrent turn rather than queue behind the turn lock.
var ErrTurnInProgress = fmt.Errorf("sessionctx: a turn is already in progress")
