package eventlog

// EventType tags an Event's payload shape. New event families are added here
// and given a payload struct plus a decoder registration in codec.go.
type EventType string

const (
	EventSessionStart EventType = "session.start"
	EventSessionEnd   EventType = "session.end"
	EventSessionFork  EventType = "session.fork"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"
	EventMessageDeleted   EventType = "message.deleted"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventStreamTextDelta     EventType = "stream.text_delta"
	EventStreamThinkingDelta EventType = "stream.thinking_delta"
	EventStreamTurnStart     EventType = "stream.turn_start"
	EventStreamTurnEnd       EventType = "stream.turn_end"

	EventConfigModelSwitch    EventType = "config.model_switch"
	EventConfigPromptUpdate  EventType = "config.prompt_update"
	EventConfigReasoningLevel EventType = "config.reasoning_level"

	EventCompactBoundary EventType = "compact.boundary"
	EventCompactSummary  EventType = "compact.summary"
	EventContextCleared  EventType = "context.cleared"

	EventWorktreeAcquired EventType = "worktree.acquired"
	EventWorktreeCommit   EventType = "worktree.commit"
	EventWorktreeReleased EventType = "worktree.released"
	EventWorktreeMerged   EventType = "worktree.merged"

	EventHookTriggered           EventType = "hook.triggered"
	EventHookCompleted           EventType = "hook.completed"
	EventHookBackgroundStarted   EventType = "hook.background_started"
	EventHookBackgroundCompleted EventType = "hook.background_completed"

	EventErrorAgent    EventType = "error.agent"
	EventErrorTool     EventType = "error.tool"
	EventErrorProvider EventType = "error.provider"

	// Subagents, skills, rules, todos, memory, and file operations are each
	// a small variant family carried by GenericPayload, keyed by Kind.
	EventSubagentStarted  EventType = "subagent.started"
	EventSubagentFinished EventType = "subagent.finished"
	EventSkillInvoked     EventType = "skill.invoked"
	EventRuleTriggered    EventType = "rule.triggered"
	EventTodoCreated      EventType = "todo.created"
	EventTodoUpdated      EventType = "todo.updated"
	EventMemoryRecorded   EventType = "memory.recorded"
	EventFileRead         EventType = "file.read"
	EventFileWrite        EventType = "file.write"
)

// Payload is the marker interface implemented by every event's fixed-shape
// record. A tagged variant (Event.Type) replaces dynamic dispatch: callers
// match on Type, then type-assert Payload to the matching struct.
type Payload interface {
	isPayload()
}

type (
	SessionStartPayload struct {
		WorkspaceID      string
		WorkingDirectory string
		Model            string
		Title            string
	}

	SessionEndPayload struct {
		Reason string
	}

	SessionForkPayload struct {
		FromEventID string
		Name        string
	}

	MessageUserPayload struct {
		Content string
	}

	TextBlock struct {
		Text string
	}

	ToolUseBlock struct {
		ID    string
		Name  string
		Input map[string]any
	}

	MessageAssistantPayload struct {
		Text    []TextBlock
		ToolUse []ToolUseBlock
		Usage   *UsageSnapshot
	}

	// UsageSnapshot is the raw usage record attached to a completed
	// assistant message, before normalization by the token package.
	UsageSnapshot struct {
		Provider            string
		RawInputTokens       int
		RawOutputTokens      int
		RawCacheReadTokens   int
		RawCacheCreationTokens int
	}

	MessageSystemPayload struct {
		Content string
	}

	MessageDeletedPayload struct {
		TargetEventID string
		Mode          string
	}

	ToolCallPayload struct {
		ToolCallID string
		Name       string
		Arguments  map[string]any
	}

	ToolResultPayload struct {
		ToolCallID string
		Content    string
		IsError    bool
	}

	StreamTextDeltaPayload struct {
		Delta string
	}

	StreamThinkingDeltaPayload struct {
		Delta string
	}

	StreamTurnStartPayload struct{}

	StreamTurnEndPayload struct {
		StopReason string
	}

	ConfigModelSwitchPayload struct {
		ModelID string
	}

	ConfigPromptUpdatePayload struct {
		Prompt string
	}

	ConfigReasoningLevelPayload struct {
		Level string
	}

	CompactBoundaryPayload struct {
		FromEventID     string
		ToEventID       string
		OriginalTokens  int
		CompactedTokens int
	}

	CompactSummaryPayload struct {
		Summary         string
		BoundaryEventID string
	}

	ContextClearedPayload struct{}

	HookTriggeredPayload struct {
		Name string
		Type string
	}

	HookCompletedPayload struct {
		Name   string
		Result string
	}

	HookBackgroundStartedPayload struct {
		Name string
	}

	HookBackgroundCompletedPayload struct {
		Name  string
		Error string
	}

	ErrorAgentPayload struct {
		Recoverable bool
		Reason      string
	}

	ErrorToolPayload struct {
		ToolCallID string
		Message    string
	}

	ErrorProviderPayload struct {
		Message   string
		Retryable bool
	}

	// GenericPayload carries the small event families with no fixed
	// record shape (subagents, skills, rules, todos, memory, file
	// operations, worktree bookkeeping).
	GenericPayload struct {
		Kind   string
		Fields map[string]any
	}
)

func (SessionStartPayload) isPayload()  {}
func (SessionEndPayload) isPayload()    {}
func (SessionForkPayload) isPayload()   {}
func (MessageUserPayload) isPayload()      {}
func (MessageAssistantPayload) isPayload() {}
func (MessageSystemPayload) isPayload()    {}
func (MessageDeletedPayload) isPayload()   {}
func (ToolCallPayload) isPayload()   {}
func (ToolResultPayload) isPayload() {}
func (StreamTextDeltaPayload) isPayload()     {}
func (StreamThinkingDeltaPayload) isPayload() {}
func (StreamTurnStartPayload) isPayload()     {}
func (StreamTurnEndPayload) isPayload()       {}
func (ConfigModelSwitchPayload) isPayload()    {}
func (ConfigPromptUpdatePayload) isPayload()   {}
func (ConfigReasoningLevelPayload) isPayload() {}
func (CompactBoundaryPayload) isPayload() {}
func (CompactSummaryPayload) isPayload()  {}
func (ContextClearedPayload) isPayload()  {}
func (HookTriggeredPayload) isPayload()           {}
func (HookCompletedPayload) isPayload()           {}
func (HookBackgroundStartedPayload) isPayload()   {}
func (HookBackgroundCompletedPayload) isPayload() {}
func (ErrorAgentPayload) isPayload()    {}
func (ErrorToolPayload) isPayload()     {}
func (ErrorProviderPayload) isPayload() {}
func (GenericPayload) isPayload()       {}
