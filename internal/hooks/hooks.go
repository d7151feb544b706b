// Package hooks implements the hook engine: typed extension points a
// session's stream pipeline triggers before/after tool use, on prompt
// submission, before compaction, and at session boundaries.
//
// Dispatch is synchronous, fanning out over a thread-safe subscriber set,
// extended with priority ordering, forced-blocking types, fail-open
// timeout semantics, and background lifecycle tracking.
package hooks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// Type names a hook's trigger point.
type Type string

const (
	TypePreToolUse       Type = "PreToolUse"
	TypePostToolUse      Type = "PostToolUse"
	TypeSessionStart     Type = "SessionStart"
	TypeStop             Type = "Stop"
	TypePreCompact       Type = "PreCompact"
	TypeUserPromptSubmit Type = "UserPromptSubmit"
	TypeNotification     Type = "Notification"
)

// Mode is the registration-time delivery mode; forcedBlocking overrides it
// for the three types that must always block (see isForcedBlocking).
type Mode string

const (
	ModeBlocking   Mode = "blocking"
	ModeBackground Mode = "background"
)

// Outcome is a blocking hook's verdict.
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeModify   Outcome = "modify"
	OutcomeBlock    Outcome = "block"
)

// DefaultTimeout is used when a hook registers without one.
const DefaultTimeout = 5 * time.Second

// Event is the payload a handler receives.
type Event struct {
	Type      Type
	SessionID string
	Fields    map[string]any
}

// Result is what a handler returns.
type Result struct {
	Outcome       Outcome
	Modifications map[string]any
	Reason        string
}

// Handler executes one hook's logic.
type Handler func(ctx context.Context, event Event) (Result, error)

// Registration describes one hook at registration time.
type Registration struct {
	Name     string
	Type     Type
	Handler  Handler
	Priority int // higher runs first
	Filter   func(Event) bool
	Timeout  time.Duration
	Mode     Mode
}

func isForcedBlocking(t Type) bool {
	switch t {
	case TypePreToolUse, TypeUserPromptSubmit, TypePreCompact:
		return true
	default:
		return false
	}
}

func (r Registration) effectiveMode() Mode {
	if isForcedBlocking(r.Type) {
		return ModeBlocking
	}
	if r.Mode == "" {
		return ModeBackground
	}
	return r.Mode
}

func (r Registration) effectiveTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Subscription lets a caller unregister a hook.
type Subscription interface {
	Close() error
}

// BackgroundCompletion is what the engine records and what
// hook.background_completed carries.
type BackgroundCompletion struct {
	Name      string
	SessionID string
	Err       error
	TimedOut  bool
}

// EventRecorder persists hook lifecycle events. The stream pipeline's
// session context implements this by appending hook.triggered/completed/
// background_started/background_completed events.
type EventRecorder interface {
	RecordHookTriggered(ctx context.Context, sessionID, name string, t Type)
	RecordHookCompleted(ctx context.Context, sessionID, name string, result Result)
	RecordHookBackgroundStarted(ctx context.Context, sessionID, name string)
	RecordHookBackgroundCompleted(ctx context.Context, sessionID string, completion BackgroundCompletion)
}

// Engine runs registered hooks for a type against an event.
type Engine struct {
	mu    sync.RWMutex
	regs  map[*registrationHandle]Registration
	log   telemetry.Logger
	rec   EventRecorder

	pending sync.WaitGroup
}

type registrationHandle struct {
	engine *Engine
	once   sync.Once
}

func (h *registrationHandle) Close() error {
	h.once.Do(func() {
		h.engine.mu.Lock()
		delete(h.engine.regs, h)
		h.engine.mu.Unlock()
	})
	return nil
}

// NewEngine constructs a hook engine. rec may be nil (lifecycle events are
// then not recorded, useful in unit tests that don't need event-log
// wiring).
func NewEngine(log telemetry.Logger, rec EventRecorder) *Engine {
	return &Engine{
		regs: make(map[*registrationHandle]Registration),
		log:  log,
		rec:  rec,
	}
}

// Register adds a hook and returns a Subscription to unregister it.
func (e *Engine) Register(reg Registration) (Subscription, error) {
	if reg.Handler == nil {
		return nil, errors.New("hooks: handler is required")
	}
	if reg.Name == "" {
		return nil, errors.New("hooks: name is required")
	}
	h := &registrationHandle{engine: e}
	e.mu.Lock()
	e.regs[h] = reg
	e.mu.Unlock()
	return h, nil
}

// Run executes every hook registered for event.Type, blocking ones first
// in descending priority order, then starts background ones
// fire-and-forget. It returns the merged blocking verdict: the first
// block wins; otherwise outcomes are Continue or Modify with merged
// modifications.
func (e *Engine) Run(ctx context.Context, event Event) (Result, error) {
	regs := e.matchingSorted(event)

	merged := Result{Outcome: OutcomeContinue, Modifications: map[string]any{}}
	var background []Registration

	for _, reg := range regs {
		if reg.effectiveMode() != ModeBlocking {
			background = append(background, reg)
			continue
		}
		e.recordTriggered(ctx, event.SessionID, reg.Name, reg.Type)
		result := e.runOneBlocking(ctx, reg, event)
		e.recordCompleted(ctx, event.SessionID, reg.Name, result)

		switch result.Outcome {
		case OutcomeBlock:
			return result, nil
		case OutcomeModify:
			for k, v := range result.Modifications {
				merged.Modifications[k] = v
			}
			merged.Outcome = OutcomeModify
		}
	}

	for _, reg := range background {
		e.startBackground(event, reg)
	}

	return merged, nil
}

func (e *Engine) matchingSorted(event Event) []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := make([]Registration, 0, len(e.regs))
	for _, reg := range e.regs {
		if reg.Type != event.Type {
			continue
		}
		if reg.Filter != nil && !reg.Filter(event) {
			continue
		}
		matched = append(matched, reg)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

// runOneBlocking races the handler against its timeout. A timeout or panic
// is fail-open: logged, treated as Continue.
func (e *Engine) runOneBlocking(ctx context.Context, reg Registration, event Event) Result {
	tctx, cancel := context.WithTimeout(ctx, reg.effectiveTimeout())
	defer cancel()

	resCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- errPanic(r)
			}
		}()
		res, err := reg.Handler(tctx, event)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		return res
	case err := <-errCh:
		e.logf("hook failed, failing open", "name", reg.Name, "type", string(reg.Type), "error", err.Error())
		return Result{Outcome: OutcomeContinue}
	case <-tctx.Done():
		e.logf("hook timed out, failing open", "name", reg.Name, "type", string(reg.Type))
		return Result{Outcome: OutcomeContinue}
	}
}

func (e *Engine) startBackground(event Event, reg Registration) {
	e.pending.Add(1)
	e.recordBackgroundStarted(context.Background(), event.SessionID, reg.Name)
	go func() {
		defer e.pending.Done()
		tctx, cancel := context.WithTimeout(context.Background(), reg.effectiveTimeout())
		defer cancel()

		completion := BackgroundCompletion{Name: reg.Name, SessionID: event.SessionID}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					completion.Err = errPanic(r)
				}
			}()
			if _, err := reg.Handler(tctx, event); err != nil {
				completion.Err = err
			}
		}()

		select {
		case <-done:
		case <-tctx.Done():
			completion.TimedOut = true
		}
		e.recordBackgroundCompleted(context.Background(), event.SessionID, completion)
	}()
}

// WaitBackground blocks until every background hook started so far has
// completed. The orchestrator calls this during shutdown.
func (e *Engine) WaitBackground() {
	e.pending.Wait()
}

func (e *Engine) recordTriggered(ctx context.Context, sessionID, name string, t Type) {
	if e.rec != nil {
		e.rec.RecordHookTriggered(ctx, sessionID, name, t)
	}
}

func (e *Engine) recordCompleted(ctx context.Context, sessionID, name string, result Result) {
	if e.rec != nil {
		e.rec.RecordHookCompleted(ctx, sessionID, name, result)
	}
}

func (e *Engine) recordBackgroundStarted(ctx context.Context, sessionID, name string) {
	if e.rec != nil {
		e.rec.RecordHookBackgroundStarted(ctx, sessionID, name)
	}
}

func (e *Engine) recordBackgroundCompleted(ctx context.Context, sessionID string, completion BackgroundCompletion) {
	if e.rec != nil {
		e.rec.RecordHookBackgroundCompleted(ctx, sessionID, completion)
	}
}

func (e *Engine) logf(msg string, keyvals ...any) {
	if e.log != nil {
		e.log.Warn(context.Background(), msg, keyvals...)
	}
}

func errPanic(r any) error {
	return &panicError{v: r}
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "hooks: handler panicked" }
