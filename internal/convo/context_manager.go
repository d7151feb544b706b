// Package convo implements the per-session context manager: the in-memory
// message buffer used to build provider requests, its token-window
// accounting, and the compaction pipeline that keeps a session under its
// model's context limit.
package convo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/model"
	"github.com/sessionforge/sessioncore/internal/tokens"
)

// ThresholdState buckets a session's context-window occupancy for display
// and policy decisions.
type ThresholdState string

const (
	ThresholdNormal   ThresholdState = "normal"
	ThresholdElevated ThresholdState = "elevated"
	ThresholdCritical ThresholdState = "critical"
	ThresholdExceeded ThresholdState = "exceeded"

	// DefaultCompactionThreshold is the fraction of the window at which
	// shouldCompact() starts returning true.
	DefaultCompactionThreshold = 0.75

	// tailRetentionCount is how many of the most recent messages survive
	// compaction verbatim; everything older collapses into one synthetic
	// summary message. A deterministic fixed-size tail is the chosen
	// resolution of the compaction-algorithm open question (see DESIGN.md):
	// it needs no second model call and is trivially testable.
	tailRetentionCount = 6
)

// EventAppender is the narrow surface the context manager needs to persist
// compaction events. The session context supplies an implementation backed
// by the event store under the session's linearization.
type EventAppender interface {
	AppendEvent(ctx context.Context, eventType eventlog.EventType, payload eventlog.Payload) (eventlog.Event, error)
}

type (
	// Snapshot is the display-ready view returned by Snapshot().
	Snapshot struct {
		CurrentTokens  int
		UsagePercent   float64
		MessageCount   int
		ThresholdState ThresholdState
	}

	// PreviewResult is returned by PreviewCompaction. Calling it twice with
	// no intervening turn returns an identical value (it does not mutate
	// state).
	PreviewResult struct {
		TokensBefore     int
		TokensAfter      int
		CompressionRatio float64
	}

	// ConfirmResult is returned by ConfirmCompaction.
	ConfirmResult struct {
		Success     bool
		TokensBefore int
		TokensAfter  int
		Summary      string
	}

	// AcceptTurnResult is returned by CanAcceptTurn.
	AcceptTurnResult struct {
		CanProceed     bool
		NeedsCompaction bool
		Reason         string
	}

	// Manager owns one session's in-memory message buffer and its
	// token-window accounting. Each exported method holds the internal mutex for its
	// own duration; a sequence of calls is not atomic as a whole.
	Manager struct {
		mu                 sync.Mutex
		messages           []model.Message
		eventIDs           []string // parallel to messages; "" when a message has no backing event (e.g. restored without one)
		window             tokens.Window
		compactionThreshold float64
		history            []tokens.Record
		appender           EventAppender
	}
)

// New constructs a context manager for a session with the given max context
// size. appender may be nil for tests that never call ConfirmCompaction.
func New(maxSize int, appender EventAppender) *Manager {
	return &Manager{
		window:             tokens.Window{MaxSize: maxSize},
		compactionThreshold: DefaultCompactionThreshold,
		appender:           appender,
	}
}

// SetMessages replaces the buffer wholesale; used on resume or fork. The
// restored messages carry no known event ID.
func (m *Manager) SetMessages(msgs []model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append([]model.Message(nil), msgs...)
	m.eventIDs = make([]string, len(msgs))
}

// AppendUser appends a user-turn message. eventID is the message.user event
// it was persisted as, threaded through so a later compaction can cite it
// as the range's fromID/toID; pass "" if the caller has none.
func (m *Manager) AppendUser(content string, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, model.NewUserText(content))
	m.eventIDs = append(m.eventIDs, eventID)
}

// AppendAssistant appends an assistant-turn message and folds its usage
// record into the window via the token normalizer's output. eventID is the
// message.assistant event it was persisted as.
func (m *Manager) AppendAssistant(msg model.Message, rec *tokens.Record, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.eventIDs = append(m.eventIDs, eventID)
	if rec != nil {
		m.history = append(m.history, *rec)
		m.window.Update(rec.Computed.ContextWindowTokens)
	}
}

// AppendToolResult appends a tool-result message. eventID is the
// tool.result event it was persisted as.
func (m *Manager) AppendToolResult(toolUseID, content string, isError bool, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.ToolResultPart{ToolUseID: toolUseID, Content: content, IsError: isError}},
	})
	m.eventIDs = append(m.eventIDs, eventID)
}

// Messages returns a defensive copy of the current buffer, used to build
// the next provider request.
func (m *Manager) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.messages...)
}

// Snapshot returns the current display-ready state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	win := m.window.Snapshot()
	return Snapshot{
		CurrentTokens:  win.CurrentSize,
		UsagePercent:   win.PercentUsed,
		MessageCount:   len(m.messages),
		ThresholdState: thresholdFor(win.PercentUsed, m.compactionThreshold*100),
	}
}

func thresholdFor(percentUsed, compactionPercent float64) ThresholdState {
	switch {
	case percentUsed >= 100:
		return ThresholdExceeded
	case percentUsed >= compactionPercent:
		return ThresholdCritical
	case percentUsed >= compactionPercent*0.5:
		return ThresholdElevated
	default:
		return ThresholdNormal
	}
}

// ShouldCompact reports whether the window has crossed the compaction
// threshold.
func (m *Manager) ShouldCompact() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	win := m.window.Snapshot()
	return win.PercentUsed/100 >= m.compactionThreshold
}

// PreviewCompaction computes what a compaction would do without applying
// it. Idempotent: repeated calls with no intervening AppendAssistant return
// an identical value.
func (m *Manager) PreviewCompaction() PreviewResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokensBefore := m.window.CurrentSize
	_, _, _, afterTokens := m.compactedBufferLocked()

	ratio := 1.0
	if tokensBefore > 0 {
		ratio = float64(afterTokens) / float64(tokensBefore)
	}
	return PreviewResult{TokensBefore: tokensBefore, TokensAfter: afterTokens, CompressionRatio: ratio}
}

// ConfirmCompaction applies the compaction: replaces the in-memory buffer
// with a single system summary message plus any messages newer than the
// compaction range, and appends compact.boundary + compact.summary events.
// Callers are responsible for ensuring at-most-one concurrent call per
// session (the session context's turn lock).
func (m *Manager) ConfirmCompaction(ctx context.Context) (ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokensBefore := m.window.CurrentSize
	kept, keptEventIDs, summary, afterTokens := m.compactedBufferLocked()

	var fromID, toID string
	if collapsed := len(m.messages) - len(kept); collapsed > 0 {
		fromID = m.eventIDs[0]
		toID = m.eventIDs[collapsed-1]
	}

	if m.appender != nil {
		boundary, err := m.appender.AppendEvent(ctx, eventlog.EventCompactBoundary, eventlog.CompactBoundaryPayload{
			FromEventID:     fromID,
			ToEventID:       toID,
			OriginalTokens:  tokensBefore,
			CompactedTokens: afterTokens,
		})
		if err != nil {
			return ConfirmResult{}, fmt.Errorf("convo: append compact.boundary: %w", err)
		}
		if _, err := m.appender.AppendEvent(ctx, eventlog.EventCompactSummary, eventlog.CompactSummaryPayload{
			Summary:         summary,
			BoundaryEventID: boundary.ID,
		}); err != nil {
			return ConfirmResult{}, fmt.Errorf("convo: append compact.summary: %w", err)
		}
	}

	m.messages = append([]model.Message{model.NewSystemText(summary)}, kept...)
	m.eventIDs = append([]string{""}, keptEventIDs...)
	m.window.Update(afterTokens)

	return ConfirmResult{Success: true, TokensBefore: tokensBefore, TokensAfter: afterTokens, Summary: summary}, nil
}

// compactedBufferLocked computes the tail-retention compaction result
// without mutating state, so PreviewCompaction and ConfirmCompaction share
// one estimate function. keptEventIDs is the eventIDs slice aligned with
// kept. Must be called with m.mu held.
func (m *Manager) compactedBufferLocked() (kept []model.Message, keptEventIDs []string, summary string, tokensAfter int) {
	if len(m.messages) <= tailRetentionCount {
		kept = append([]model.Message(nil), m.messages...)
		keptEventIDs = append([]string(nil), m.eventIDs...)
	} else {
		tailStart := len(m.messages) - tailRetentionCount
		kept = append([]model.Message(nil), m.messages[tailStart:]...)
		keptEventIDs = append([]string(nil), m.eventIDs[tailStart:]...)
	}
	collapsed := len(m.messages) - len(kept)
	summary = fmt.Sprintf("Summary of %d earlier message(s) collapsed during compaction.", collapsed)

	tokensAfter = estimateTokens(summary)
	for _, msg := range kept {
		tokensAfter += estimateMessageTokens(msg)
	}
	return kept, keptEventIDs, summary, tokensAfter
}

// estimateMessageTokens sums a rough per-part token estimate. Only the
// text-bearing parts contribute; tool calls/results are sized by their
// serialized content, which is an adequate heuristic for preview purposes.
func estimateMessageTokens(msg model.Message) int {
	total := 0
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case model.TextPart:
			total += estimateTokens(p.Text)
		case model.ThinkingPart:
			total += estimateTokens(p.Text)
		case model.ToolResultPart:
			total += estimateTokens(p.Content)
		case model.ToolUsePart:
			total += estimateTokens(p.Name) + 4
		}
	}
	return total
}

// estimateTokens is a coarse, deterministic stand-in for a provider
// tokenizer: roughly four characters per token, matching common English
// text tokenization ratios closely enough for compaction-ratio estimates.
func estimateTokens(s string) int {
	const charsPerToken = 4
	n := (len(s) + charsPerToken - 1) / charsPerToken
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// CanAcceptTurn decides whether a turn with the given estimated response
// size can proceed, and whether it needs compaction first.
func (m *Manager) CanAcceptTurn(estimatedResponseTokens int) AcceptTurnResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxSize := m.window.MaxSize
	projected := m.window.CurrentSize + estimatedResponseTokens

	needsCompaction := float64(projected) >= float64(maxSize)*m.compactionThreshold
	canProceed := projected < maxSize

	res := AcceptTurnResult{CanProceed: canProceed, NeedsCompaction: needsCompaction}
	if !canProceed {
		res.Reason = "contextExceeded"
	}
	return res
}
