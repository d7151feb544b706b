// Package orchestrator implements the cross-session registry: creating,
// resuming, and forking sessions, dispatching per-session operations to
// their linearized context, and coordinating shutdown across every active
// session's in-flight turn and background hooks.
//
// The registry is a mutex-guarded map of cloned projections; no
// per-session operation holds the registry lock while it runs, so two
// sessions never contend on each other's turns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessionforge/sessioncore/internal/convo"
	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/guardrails"
	"github.com/sessionforge/sessioncore/internal/hooks"
	"github.com/sessionforge/sessioncore/internal/provider"
	"github.com/sessionforge/sessioncore/internal/sessionctx"
	"github.com/sessionforge/sessioncore/internal/streampipeline"
	"github.com/sessionforge/sessioncore/internal/telemetry"
	"github.com/sessionforge/sessioncore/internal/tools"
)

// Errors surfaced to RPC callers.
var (
	ErrSessionNotFound = errors.New("orchestrator: session not found")
	ErrShuttingDown    = errors.New("orchestrator: shutting down")
)

// DefaultShutdownTimeout bounds how long Shutdown waits for background
// hooks to drain before returning anyway.
const DefaultShutdownTimeout = 30 * time.Second

// CreateOptions is createSession's input.
type CreateOptions struct {
	WorkspaceID      string
	WorkingDirectory string
	Model            string
	Title            string
}

// Info is the sessionInfo projection returned by create/resume/fork.
type Info struct {
	eventlog.Session
}

// DetailedSnapshot adds the configured maximum context size to the plain
// context snapshot, for getDetailedContextSnapshot.
type DetailedSnapshot struct {
	convo.Snapshot
	MaxContextSize int
}

// activeSession bundles one session's live components. Every field except
// info is internally synchronized; the registry lock never needs to be
// held while operating on one.
type activeSession struct {
	info   eventlog.Session
	ctx    *sessionctx.Context
	driver *streampipeline.Driver
}

// Config supplies the collaborators every session's driver is built with.
// Generator, Registry, HookEngine, GuardEngine, and Broadcaster are shared
// across all sessions; per-session state lives in sessionctx.Context and
// convo.Manager.
type Config struct {
	Store          eventlog.Store
	Generator      provider.Generator
	Registry       tools.Registry
	HookEngine     *hooks.Engine
	GuardEngine    *guardrails.Engine
	Broadcaster    streampipeline.Broadcaster
	Log            telemetry.Logger
	Metrics        telemetry.Metrics
	Tracer         telemetry.Tracer
	MaxContextSize int
	ToolDeclarations []provider.ToolDeclaration
}

// Orchestrator is the cross-session registry and dispatch surface.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*activeSession
	shutdown bool
}

// New constructs an Orchestrator. cfg.MaxContextSize falls back to
// 200000 (a Claude-class default window) when unset.
func New(cfg Config) *Orchestrator {
	if cfg.MaxContextSize <= 0 {
		cfg.MaxContextSize = 200000
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: make(map[string]*activeSession),
	}
}

func (o *Orchestrator) buildDriver(sessionID string, sc *sessionctx.Context, model string) *streampipeline.Driver {
	return streampipeline.New(streampipeline.Config{
		SessionID:        sessionID,
		SessionCtx:       sc,
		Model:            model,
		Generator:        o.cfg.Generator,
		Registry:         o.cfg.Registry,
		HookEngine:       o.cfg.HookEngine,
		GuardEngine:      o.cfg.GuardEngine,
		Broadcaster:      o.cfg.Broadcaster,
		Log:              o.cfg.Log,
		Metrics:          o.cfg.Metrics,
		Tracer:           o.cfg.Tracer,
		ToolDeclarations: o.cfg.ToolDeclarations,
	})
}

func (o *Orchestrator) register(sess eventlog.Session) *activeSession {
	sc := sessionctx.New(sess.ID, o.cfg.Store, o.cfg.MaxContextSize)
	as := &activeSession{
		info:   sess,
		ctx:    sc,
		driver: o.buildDriver(sess.ID, sc, sess.Model),
	}
	o.mu.Lock()
	o.sessions[sess.ID] = as
	o.mu.Unlock()
	return as
}

// lookup fetches a session's active handle without holding the registry
// lock for anything beyond the map read.
func (o *Orchestrator) lookup(sessionID string) (*activeSession, error) {
	o.mu.Lock()
	as, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return as, nil
}

// CreateSession delegates to the event store and inserts the resulting
// session into the registry.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateOptions) (Info, error) {
	if o.isShuttingDown() {
		return Info{}, ErrShuttingDown
	}
	sess, _, err := o.cfg.Store.CreateSession(ctx, eventlog.SessionMeta{
		WorkspaceID:      opts.WorkspaceID,
		WorkingDirectory: opts.WorkingDirectory,
		Model:            opts.Model,
		Title:            opts.Title,
	})
	if err != nil {
		return Info{}, fmt.Errorf("orchestrator: create session: %w", err)
	}
	o.register(sess)
	return Info{Session: sess}, nil
}

// ResumeSession loads a session's projection, registers it with a fresh
// context manager, and records lastActivity. It does not replay the event
// log: the resumed session's message buffer starts empty.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (Info, error) {
	if o.isShuttingDown() {
		return Info{}, ErrShuttingDown
	}
	sess, err := o.cfg.Store.GetSession(ctx, sessionID)
	if err != nil {
		return Info{}, fmt.Errorf("orchestrator: resume session: %w", err)
	}
	as := o.register(sess)
	now := time.Now()
	active := true
	if err := o.cfg.Store.TouchSession(ctx, sessionID, now, &active); err != nil {
		return Info{}, fmt.Errorf("orchestrator: touch session: %w", err)
	}
	as.info.LastActivity = now
	return Info{Session: as.info}, nil
}

// Store returns the orchestrator's event log, so a caller that already
// holds an Orchestrator (the RPC registrar, in particular) doesn't need
// its own reference to wire the events.* namespace directly against it.
func (o *Orchestrator) Store() eventlog.Store {
	return o.cfg.Store
}

// GetSessionInfo returns the current projection for one active session.
func (o *Orchestrator) GetSessionInfo(sessionID string) (Info, error) {
	as, err := o.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return Info{Session: as.info}, nil
}

// ListSessions projects every session in a workspace, active or not.
func (o *Orchestrator) ListSessions(ctx context.Context, workspaceID string) ([]Info, error) {
	sessions, err := o.cfg.Store.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list sessions: %w", err)
	}
	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = Info{Session: s}
	}
	return infos, nil
}

// DeleteSession ends a session's turn, deactivates its registry entry,
// and marks it inactive in the store. The event history is never
// deleted; eventlog is append-only.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if as, err := o.lookup(sessionID); err == nil {
		as.driver.Abort()
		as.ctx.Deactivate()
		o.mu.Lock()
		delete(o.sessions, sessionID)
		o.mu.Unlock()
	}
	if _, err := o.cfg.Store.EndSession(ctx, sessionID, "deleted"); err != nil {
		return fmt.Errorf("orchestrator: delete session: %w", err)
	}
	return nil
}

// ArchiveSession toggles the session's archived projection flag. An
// archived session is deactivated if currently registered; unarchiving
// does not automatically reactivate it — the caller resumes it.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string, archived bool) error {
	if err := o.cfg.Store.ArchiveSession(ctx, sessionID, archived); err != nil {
		return fmt.Errorf("orchestrator: archive session: %w", err)
	}
	if archived {
		if as, err := o.lookup(sessionID); err == nil {
			as.ctx.Deactivate()
		}
	}
	return nil
}

// ClearContext discards the session's in-memory message buffer and
// records context.cleared. It runs under the exclusive turn lock so it
// cannot race a prompt.
func (o *Orchestrator) ClearContext(ctx context.Context, sessionID string) error {
	as, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	return as.ctx.WithTurnLock(ctx, func(ctx context.Context) error {
		as.ctx.Convo().SetMessages(nil)
		_, err := as.ctx.AppendEvent(ctx, eventlog.EventContextCleared, eventlog.ContextClearedPayload{})
		return err
	})
}

// GetContextSnapshot dispatches to the session's context manager.
func (o *Orchestrator) GetContextSnapshot(sessionID string) (convo.Snapshot, error) {
	as, err := o.lookup(sessionID)
	if err != nil {
		return convo.Snapshot{}, err
	}
	return as.ctx.Convo().Snapshot(), nil
}

// GetDetailedContextSnapshot adds the configured window ceiling to the
// plain snapshot.
func (o *Orchestrator) GetDetailedContextSnapshot(sessionID string) (DetailedSnapshot, error) {
	snap, err := o.GetContextSnapshot(sessionID)
	if err != nil {
		return DetailedSnapshot{}, err
	}
	return DetailedSnapshot{Snapshot: snap, MaxContextSize: o.cfg.MaxContextSize}, nil
}

// ShouldCompact dispatches to the session's context manager.
func (o *Orchestrator) ShouldCompact(sessionID string) (bool, error) {
	as, err := o.lookup(sessionID)
	if err != nil {
		return false, err
	}
	return as.ctx.Convo().ShouldCompact(), nil
}

// PreviewCompaction runs under the session's shared preview acquire, so it
// may run concurrently with another preview but not with a confirm or an
// in-flight turn.
func (o *Orchestrator) PreviewCompaction(sessionID string) (convo.PreviewResult, error) {
	as, err := o.lookup(sessionID)
	if err != nil {
		return convo.PreviewResult{}, err
	}
	var result convo.PreviewResult
	err = as.ctx.WithPreviewLock(func() error {
		result = as.ctx.Convo().PreviewCompaction()
		return nil
	})
	return result, err
}

// ConfirmCompaction runs under the session's exclusive turn lock: it
// cannot start mid-turn, and a turn cannot start while it runs.
func (o *Orchestrator) ConfirmCompaction(ctx context.Context, sessionID string) (convo.ConfirmResult, error) {
	as, err := o.lookup(sessionID)
	if err != nil {
		return convo.ConfirmResult{}, err
	}
	var result convo.ConfirmResult
	err = as.ctx.WithTurnLock(ctx, func(ctx context.Context) error {
		r, err := as.ctx.Convo().ConfirmCompaction(ctx)
		result = r
		return err
	})
	return result, err
}

// CanAcceptTurn dispatches to the session's context manager.
func (o *Orchestrator) CanAcceptTurn(sessionID string, estimatedResponseTokens int) (convo.AcceptTurnResult, error) {
	as, err := o.lookup(sessionID)
	if err != nil {
		return convo.AcceptTurnResult{}, err
	}
	return as.ctx.Convo().CanAcceptTurn(estimatedResponseTokens), nil
}

// Prompt forwards to the session's stream pipeline. It acknowledges
// immediately; the turn's progress and result flow as RPC events, not as
// this call's return value.
func (o *Orchestrator) Prompt(sessionID string, prompt string) error {
	if o.isShuttingDown() {
		return ErrShuttingDown
	}
	as, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if !as.ctx.AcceptsTurn() {
		return fmt.Errorf("orchestrator: session %s is not accepting a new turn", sessionID)
	}
	go func() {
		if _, err := as.driver.RunTurn(context.Background(), prompt); err != nil {
			o.logf("turn failed", "sessionId", sessionID, "error", err.Error())
		}
	}()
	return nil
}

// Abort signals the session's cancellation token.
func (o *Orchestrator) Abort(sessionID string) error {
	as, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	as.driver.Abort()
	return nil
}

// ForkSession creates a new session whose root event parents off
// fromEventID in an existing session, and registers it as a fully live
// session of its own.
func (o *Orchestrator) ForkSession(ctx context.Context, sessionID, fromEventID, name string) (Info, error) {
	_, err := o.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	forked, _, err := o.cfg.Store.Fork(ctx, fromEventID, name)
	if err != nil {
		return Info{}, fmt.Errorf("orchestrator: fork session: %w", err)
	}
	o.register(forked)
	return Info{Session: forked}, nil
}

// SwitchModel appends config.model_switch and updates the live driver so
// the next turn uses the new model.
func (o *Orchestrator) SwitchModel(ctx context.Context, sessionID, modelID string) error {
	as, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := as.ctx.AppendEvent(ctx, eventlog.EventConfigModelSwitch, eventlog.ConfigModelSwitchPayload{ModelID: modelID}); err != nil {
		return fmt.Errorf("orchestrator: append config.model_switch: %w", err)
	}
	as.driver.SetModel(modelID)
	return nil
}

// Shutdown stops accepting new work, cancels every active turn, waits (up
// to timeout) for background hooks across all sessions to drain, and
// marks the orchestrator closed. Session cancellation is fanned out with
// errgroup since it touches every session independently and none of them
// need to wait on each other.
func (o *Orchestrator) Shutdown(ctx context.Context, timeout time.Duration) error {
	o.mu.Lock()
	o.shutdown = true
	sessions := make([]*activeSession, 0, len(o.sessions))
	for _, as := range o.sessions {
		sessions = append(sessions, as)
	}
	o.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, as := range sessions {
		as := as
		g.Go(func() error {
			as.driver.Abort()
			as.ctx.Deactivate()
			return nil
		})
	}
	_ = g.Wait()

	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	done := make(chan struct{})
	go func() {
		if o.cfg.HookEngine != nil {
			o.cfg.HookEngine.WaitBackground()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logf("shutdown timed out waiting for background hooks")
	}

	return o.cfg.Store.Close()
}

func (o *Orchestrator) isShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

func (o *Orchestrator) logf(msg string, keyvals ...any) {
	if o.cfg.Log != nil {
		o.cfg.Log.Warn(context.Background(), msg, keyvals...)
	}
}
