// Package streampipeline drives one prompt end-to-end: preflight
// (compaction check, user-prompt-submit hooks), provider streaming,
// tool execution (including guardrail and pre/post-tool hooks), and
// termination or cancellation.
//
// The phases run as a plain in-process loop: one goroutine per turn drives
// preflight, streaming, and tool execution in sequence, with no durable-
// workflow replay involved.
package streampipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/guardrails"
	"github.com/sessionforge/sessioncore/internal/hooks"
	"github.com/sessionforge/sessioncore/internal/model"
	"github.com/sessionforge/sessioncore/internal/provider"
	"github.com/sessionforge/sessioncore/internal/sessionctx"
	"github.com/sessionforge/sessioncore/internal/telemetry"
	"github.com/sessionforge/sessioncore/internal/tokens"
	"github.com/sessionforge/sessioncore/internal/tools"
)

// State names a position in the turn state machine.
type State string

const (
	StateIdle              State = "idle"
	StatePreflight         State = "preflight"
	StateCompacting        State = "compacting"
	StateProviderStreaming State = "provider_streaming"
	StateToolExecution     State = "tool_execution"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateAborted           State = "aborted"
)

const (
	defaultToolTimeout     = 30 * time.Second
	defaultProviderTimeout = 5 * time.Minute
	// estimatedResponseTokens is the preflight headroom reserved for the
	// assistant's reply before it has actually streamed.
	estimatedResponseTokens = 1024
)

// ErrContextExceeded is returned when preflight cannot fit the next turn
// even after compaction.
var ErrContextExceeded = errors.New("streampipeline: context exceeded")

// ErrAborted is returned when a turn was cancelled via Abort.
var ErrAborted = errors.New("streampipeline: turn aborted")

// Broadcaster pushes a stream chunk out to RPC subscribers of a session.
// The transport and encoding live outside this package; this is the
// narrow seam the rest of the system calls into.
type Broadcaster interface {
	Broadcast(sessionID string, eventType string, payload any)
}

// Result summarizes one completed RunTurn call.
type Result struct {
	FinalState State
	StopReason provider.StopReason
}

// Driver owns one session's turn loop. It is not safe for concurrent
// RunTurn calls on the same instance — the caller is expected to go
// through the session context's turn lock, which Driver.RunTurn does.
type Driver struct {
	sessionID    string
	workspaceID  string
	sessionCtx   *sessionctx.Context
	generator    provider.Generator
	registry     tools.Registry
	hookEngine   *hooks.Engine
	guardEngine  *guardrails.Engine
	broadcaster  Broadcaster
	log          telemetry.Logger
	metrics      telemetry.Metrics
	tracer       telemetry.Tracer

	toolTimeout     time.Duration
	providerTimeout time.Duration
	systemPrompt    string
	toolDecls       []provider.ToolDeclaration

	mu       sync.Mutex
	cancel   context.CancelFunc
	baseline int
	turn     int
	model    string
}

// Config supplies a Driver's collaborators. Fields left zero fall back to
// the package defaults (timeouts) or a no-op (telemetry).
type Config struct {
	SessionID   string
	WorkspaceID string
	Model       string
	SystemPrompt string
	SessionCtx  *sessionctx.Context
	Generator   provider.Generator
	Registry    tools.Registry
	HookEngine  *hooks.Engine
	GuardEngine *guardrails.Engine
	Broadcaster Broadcaster
	Log         telemetry.Logger
	Metrics     telemetry.Metrics
	Tracer      telemetry.Tracer
	ToolTimeout time.Duration
	ProviderTimeout time.Duration
	ToolDeclarations []provider.ToolDeclaration
}

// New constructs a Driver for one session.
func New(cfg Config) *Driver {
	d := &Driver{
		sessionID:       cfg.SessionID,
		workspaceID:     cfg.WorkspaceID,
		model:           cfg.Model,
		systemPrompt:    cfg.SystemPrompt,
		sessionCtx:      cfg.SessionCtx,
		generator:       cfg.Generator,
		registry:        cfg.Registry,
		hookEngine:      cfg.HookEngine,
		guardEngine:     cfg.GuardEngine,
		broadcaster:     cfg.Broadcaster,
		log:             cfg.Log,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		toolTimeout:     cfg.ToolTimeout,
		providerTimeout: cfg.ProviderTimeout,
		toolDecls:       cfg.ToolDeclarations,
	}
	if d.toolTimeout <= 0 {
		d.toolTimeout = defaultToolTimeout
	}
	if d.providerTimeout <= 0 {
		d.providerTimeout = defaultProviderTimeout
	}
	return d
}

// SetModel updates the model used for the next turn. It takes effect on
// the following RunTurn call; an in-flight turn keeps the model it
// started with.
func (d *Driver) SetModel(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model = model
}

func (d *Driver) currentModel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// Abort cancels the in-flight turn, if any. It is safe to call when no
// turn is running (a no-op).
func (d *Driver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// RunTurn drives one prompt to completion under the session's turn lock.
func (d *Driver) RunTurn(ctx context.Context, prompt string) (Result, error) {
	var result Result
	err := d.sessionCtx.WithTurnLock(ctx, func(ctx context.Context) error {
		turnCtx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.cancel = cancel
		d.turn++
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			d.cancel = nil
			d.mu.Unlock()
			cancel()
		}()

		var span telemetry.Span
		if d.tracer != nil {
			turnCtx, span = d.tracer.Start(turnCtx, "streampipeline.run_turn")
			defer span.End()
		}

		r, err := d.runTurnLocked(turnCtx, prompt)
		result = r
		return err
	})
	return result, err
}

func (d *Driver) runTurnLocked(ctx context.Context, prompt string) (Result, error) {
	if err := d.checkAborted(ctx); err != nil {
		return Result{FinalState: StateAborted}, err
	}

	if state, err := d.preflight(ctx, prompt); err != nil {
		return Result{FinalState: state}, err
	}

	for {
		if err := d.checkAborted(ctx); err != nil {
			return Result{FinalState: StateAborted}, err
		}

		stopReason, toolCalls, err := d.streamOnce(ctx)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return Result{FinalState: StateAborted}, err
			}
			return Result{FinalState: StateFailed}, err
		}

		if stopReason != provider.StopToolUse {
			return Result{FinalState: StateCompleted, StopReason: stopReason}, nil
		}

		stopTurn, err := d.executeTools(ctx, toolCalls)
		if err != nil {
			return Result{FinalState: StateFailed}, err
		}
		if stopTurn {
			return Result{FinalState: StateCompleted, StopReason: stopReason}, nil
		}
	}
}

// preflight runs before provider streaming starts: compaction check,
// message.user append, and forced-blocking UserPromptSubmit hooks.
func (d *Driver) preflight(ctx context.Context, prompt string) (State, error) {
	convo := d.sessionCtx.Convo()
	accept := convo.CanAcceptTurn(estimatedResponseTokens)
	if accept.NeedsCompaction {
		if _, err := convo.ConfirmCompaction(ctx); err != nil {
			return StateFailed, fmt.Errorf("streampipeline: preflight compaction: %w", err)
		}
		accept = convo.CanAcceptTurn(estimatedResponseTokens)
	}
	if !accept.CanProceed {
		d.appendAgentError(ctx, false, "contextExceeded")
		return StateFailed, ErrContextExceeded
	}

	ev, err := d.sessionCtx.AppendEvent(ctx, eventlog.EventMessageUser, eventlog.MessageUserPayload{Content: prompt})
	if err != nil {
		return StateFailed, fmt.Errorf("streampipeline: append message.user: %w", err)
	}
	convo.AppendUser(prompt, ev.ID)

	if d.hookEngine != nil {
		result, err := d.hookEngine.Run(ctx, hooks.Event{
			Type:      hooks.TypeUserPromptSubmit,
			SessionID: d.sessionID,
			Fields:    map[string]any{"prompt": prompt},
		})
		if err != nil {
			return StateFailed, err
		}
		if result.Outcome == hooks.OutcomeBlock {
			d.appendAgentError(ctx, true, result.Reason)
			return StateFailed, fmt.Errorf("streampipeline: blocked by user-prompt-submit hook: %s", result.Reason)
		}
	}

	return StatePreflight, nil
}

// providerRetryBackoff is the single backoff interval streamOnce waits
// before retrying a transient provider error.
const providerRetryBackoff = 250 * time.Millisecond

// streamOnce runs one provider-streaming phase to its done/error chunk and
// returns the stop reason plus any buffered tool calls. A transient
// provider error (anything other than an abort) gets one retry after
// providerRetryBackoff; if the retry also fails, a terminal error.provider
// event is appended and the error is surfaced.
func (d *Driver) streamOnce(ctx context.Context) (provider.StopReason, []tools.Call, error) {
	stopReason, toolCalls, err := d.streamAttempt(ctx)
	if err == nil || errors.Is(err, ErrAborted) {
		return stopReason, toolCalls, err
	}

	select {
	case <-time.After(providerRetryBackoff):
	case <-ctx.Done():
		d.appendAgentError(ctx, true, "aborted")
		return "", nil, ErrAborted
	}

	stopReason, toolCalls, err = d.streamAttempt(ctx)
	if err == nil || errors.Is(err, ErrAborted) {
		return stopReason, toolCalls, err
	}

	d.appendProviderError(ctx, err.Error(), false)
	return stopReason, toolCalls, err
}

// streamAttempt runs a single provider-streaming pass with no retry of its
// own.
func (d *Driver) streamAttempt(ctx context.Context) (provider.StopReason, []tools.Call, error) {
	convo := d.sessionCtx.Convo()
	req := provider.StreamRequest{
		Model:    d.currentModel(),
		Messages: convo.Messages(),
		Tools:    d.toolDecls,
		System:   d.systemPrompt,
	}

	ch, err := d.generator.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text, thinking strings.Builder
	var toolUseBlocks []eventlog.ToolUseBlock
	var toolCalls []tools.Call
	var usage *tokens.Source
	var stopReason provider.StopReason

	for chunk := range ch {
		select {
		case <-ctx.Done():
			d.appendAgentError(ctx, true, "aborted")
			return "", nil, ErrAborted
		default:
		}

		switch chunk.Type {
		case provider.ChunkTextDelta:
			text.WriteString(chunk.TextDelta)
			d.sessionCtx.AppendEvent(ctx, eventlog.EventStreamTextDelta, eventlog.StreamTextDeltaPayload{Delta: chunk.TextDelta})
			d.broadcast(eventlog.EventStreamTextDelta, chunk.TextDelta)
		case provider.ChunkThinkingDelta:
			thinking.WriteString(chunk.ThinkingDelta)
			d.sessionCtx.AppendEvent(ctx, eventlog.EventStreamThinkingDelta, eventlog.StreamThinkingDeltaPayload{Delta: chunk.ThinkingDelta})
			d.broadcast(eventlog.EventStreamThinkingDelta, chunk.ThinkingDelta)
		case provider.ChunkToolCallEnd:
			toolUseBlocks = append(toolUseBlocks, eventlog.ToolUseBlock{ID: chunk.ToolCallID, Name: chunk.ToolCallName, Input: chunk.ToolCallInput})
			toolCalls = append(toolCalls, tools.Call{ID: chunk.ToolCallID, Name: chunk.ToolCallName, Input: chunk.ToolCallInput})
		case provider.ChunkDone:
			stopReason = chunk.StopReason
			usage = chunk.Usage
		case provider.ChunkError:
			return "", nil, chunk.Err
		}
	}

	d.finalizeAssistantMessage(ctx, text.String(), thinking.String(), toolUseBlocks, usage)
	return stopReason, toolCalls, nil
}

func (d *Driver) finalizeAssistantMessage(ctx context.Context, text, thinking string, toolUse []eventlog.ToolUseBlock, usage *tokens.Source) {
	convo := d.sessionCtx.Convo()

	var parts []model.Part
	if text != "" {
		parts = append(parts, model.TextPart{Text: text})
	}
	if thinking != "" {
		parts = append(parts, model.ThinkingPart{Text: thinking})
	}
	for _, tu := range toolUse {
		parts = append(parts, model.ToolUsePart{ID: tu.ID, Name: tu.Name, Input: tu.Input})
	}

	var rec *tokens.Record
	var usageSnap *eventlog.UsageSnapshot
	if usage != nil {
		r := tokens.Normalize(*usage, d.baseline, tokens.Meta{Turn: d.turn, SessionID: d.sessionID}, tokensLoggerAdapter{d.log})
		rec = &r
		d.baseline = r.Computed.ContextWindowTokens
		usageSnap = &eventlog.UsageSnapshot{
			Provider:               usage.Provider,
			RawInputTokens:         usage.RawInputTokens,
			RawOutputTokens:        usage.RawOutputTokens,
			RawCacheReadTokens:     usage.RawCacheReadTokens,
			RawCacheCreationTokens: usage.RawCacheCreationTokens,
		}
	}

	textBlocks := make([]eventlog.TextBlock, 0, 1)
	if text != "" {
		textBlocks = append(textBlocks, eventlog.TextBlock{Text: text})
	}
	ev, _ := d.sessionCtx.AppendEvent(ctx, eventlog.EventMessageAssistant, eventlog.MessageAssistantPayload{
		Text:    textBlocks,
		ToolUse: toolUse,
		Usage:   usageSnap,
	})

	convo.AppendAssistant(model.Message{Role: model.RoleAssistant, Parts: parts}, rec, ev.ID)
}

// executeTools runs the tool-execution phase: pre-tool hooks, guardrails,
// the tool call itself, tool.result append, and post-tool hooks.
// Independent tool calls that are contiguous in declaration order run
// concurrently; everything else runs strictly in order. It returns
// whether a stopTurn hint was present in any result.
func (d *Driver) executeTools(ctx context.Context, calls []tools.Call) (bool, error) {
	stopTurn := false
	i := 0
	for i < len(calls) {
		if err := d.checkAborted(ctx); err != nil {
			return false, err
		}

		call := calls[i]
		tool, _ := d.registry.Lookup(call.Name)
		if tool != nil && tool.Independent() {
			batch := []tools.Call{call}
			j := i + 1
			for j < len(calls) {
				next, ok := d.registry.Lookup(calls[j].Name)
				if !ok || !next.Independent() {
					break
				}
				batch = append(batch, calls[j])
				j++
			}
			results, err := d.runBatchConcurrently(ctx, batch)
			if err != nil {
				return false, err
			}
			for _, r := range results {
				if r.StopTurn {
					stopTurn = true
				}
			}
			i = j
			continue
		}

		result, err := d.runOneTool(ctx, call)
		if err != nil {
			return false, err
		}
		if result.StopTurn {
			stopTurn = true
		}
		i++
	}
	return stopTurn, nil
}

func (d *Driver) runBatchConcurrently(ctx context.Context, calls []tools.Call) ([]tools.Result, error) {
	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for idx, call := range calls {
		idx, call := idx, call
		g.Go(func() error {
			r, err := d.runOneTool(gctx, call)
			if err != nil {
				return err
			}
			results[idx] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runOneTool runs pre-tool hooks, guardrails, and (if neither blocks) the
// tool itself, always ending with a tool.result append and post-tool
// hooks.
func (d *Driver) runOneTool(ctx context.Context, call tools.Call) (tools.Result, error) {
	fields := map[string]any{"toolName": call.Name, "toolCallId": call.ID, "arguments": call.Input}

	if d.hookEngine != nil {
		hr, err := d.hookEngine.Run(ctx, hooks.Event{Type: hooks.TypePreToolUse, SessionID: d.sessionID, Fields: fields})
		if err != nil {
			return tools.Result{}, err
		}
		if hr.Outcome == hooks.OutcomeBlock {
			return d.recordToolResult(ctx, call, tools.Result{ToolCallID: call.ID, Content: hr.Reason, IsError: true}, fields)
		}
	}

	if d.guardEngine != nil {
		gr, err := d.guardEngine.Evaluate(ctx, guardrails.Request{ToolName: call.Name, ToolArguments: call.Input})
		if err != nil {
			return tools.Result{}, err
		}
		if gr.Blocked {
			return d.recordToolResult(ctx, call, tools.Result{ToolCallID: call.ID, Content: gr.Reason, IsError: true}, fields)
		}
	}

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		return d.recordToolResult(ctx, call, tools.Result{ToolCallID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}, fields)
	}

	toolCtx, cancel := context.WithTimeout(ctx, d.toolTimeout)
	defer cancel()
	result, err := tool.Execute(toolCtx, call)
	if err != nil {
		d.sessionCtx.AppendEvent(ctx, eventlog.EventErrorTool, eventlog.ErrorToolPayload{ToolCallID: call.ID, Message: err.Error()})
		result = tools.Result{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return d.recordToolResult(ctx, call, result, fields)
}

func (d *Driver) recordToolResult(ctx context.Context, call tools.Call, result tools.Result, hookFields map[string]any) (tools.Result, error) {
	ev, _ := d.sessionCtx.AppendEvent(ctx, eventlog.EventToolResult, eventlog.ToolResultPayload{
		ToolCallID: call.ID,
		Content:    result.Content,
		IsError:    result.IsError,
	})
	d.sessionCtx.Convo().AppendToolResult(call.ID, result.Content, result.IsError, ev.ID)

	if d.hookEngine != nil {
		postFields := map[string]any{}
		for k, v := range hookFields {
			postFields[k] = v
		}
		postFields["result"] = result
		if _, err := d.hookEngine.Run(ctx, hooks.Event{Type: hooks.TypePostToolUse, SessionID: d.sessionID, Fields: postFields}); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (d *Driver) checkAborted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		d.appendAgentError(ctx, true, "aborted")
		return ErrAborted
	default:
		return nil
	}
}

func (d *Driver) appendAgentError(ctx context.Context, recoverable bool, reason string) {
	d.sessionCtx.AppendEvent(context.WithoutCancel(ctx), eventlog.EventErrorAgent, eventlog.ErrorAgentPayload{Recoverable: recoverable, Reason: reason})
}

func (d *Driver) appendProviderError(ctx context.Context, message string, retryable bool) {
	d.sessionCtx.AppendEvent(context.WithoutCancel(ctx), eventlog.EventErrorProvider, eventlog.ErrorProviderPayload{Message: message, Retryable: retryable})
}

func (d *Driver) broadcast(eventType eventlog.EventType, payload any) {
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(d.sessionID, string(eventType), payload)
	}
}

// tokensLoggerAdapter bridges telemetry.Logger (context-taking) to
// tokens.Logger (context-free); Normalize only needs Info.
type tokensLoggerAdapter struct {
	log telemetry.Logger
}

func (a tokensLoggerAdapter) Info(msg string, keyvals ...any) {
	if a.log == nil {
		return
	}
	a.log.Info(context.Background(), msg, keyvals...)
}
