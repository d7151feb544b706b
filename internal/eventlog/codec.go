package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// decoders maps an EventType to a factory for its zero-valued Payload, so a
// stored blob can be unmarshaled back into the concrete struct the type tag
// names. This is the "deserializers per variant registered in a lookup"
// pattern: dynamic dispatch on event type never happens at the call site.
var decoders = map[EventType]func() Payload{
	EventSessionStart: func() Payload { return &SessionStartPayload{} },
	EventSessionEnd:   func() Payload { return &SessionEndPayload{} },
	EventSessionFork:  func() Payload { return &SessionForkPayload{} },

	EventMessageUser:      func() Payload { return &MessageUserPayload{} },
	EventMessageAssistant: func() Payload { return &MessageAssistantPayload{} },
	EventMessageSystem:    func() Payload { return &MessageSystemPayload{} },
	EventMessageDeleted:   func() Payload { return &MessageDeletedPayload{} },

	EventToolCall:   func() Payload { return &ToolCallPayload{} },
	EventToolResult: func() Payload { return &ToolResultPayload{} },

	EventStreamTextDelta:     func() Payload { return &StreamTextDeltaPayload{} },
	EventStreamThinkingDelta: func() Payload { return &StreamThinkingDeltaPayload{} },
	EventStreamTurnStart:     func() Payload { return &StreamTurnStartPayload{} },
	EventStreamTurnEnd:       func() Payload { return &StreamTurnEndPayload{} },

	EventConfigModelSwitch:    func() Payload { return &ConfigModelSwitchPayload{} },
	EventConfigPromptUpdate:   func() Payload { return &ConfigPromptUpdatePayload{} },
	EventConfigReasoningLevel: func() Payload { return &ConfigReasoningLevelPayload{} },

	EventCompactBoundary: func() Payload { return &CompactBoundaryPayload{} },
	EventCompactSummary:  func() Payload { return &CompactSummaryPayload{} },
	EventContextCleared:  func() Payload { return &ContextClearedPayload{} },

	EventHookTriggered:           func() Payload { return &HookTriggeredPayload{} },
	EventHookCompleted:           func() Payload { return &HookCompletedPayload{} },
	EventHookBackgroundStarted:   func() Payload { return &HookBackgroundStartedPayload{} },
	EventHookBackgroundCompleted: func() Payload { return &HookBackgroundCompletedPayload{} },

	EventErrorAgent:    func() Payload { return &ErrorAgentPayload{} },
	EventErrorTool:     func() Payload { return &ErrorToolPayload{} },
	EventErrorProvider: func() Payload { return &ErrorProviderPayload{} },
}

func decoderFor(t EventType) func() Payload {
	if d, ok := decoders[t]; ok {
		return d
	}
	return func() Payload { return &GenericPayload{Kind: string(t)} }
}

// encodePayload marshals a Payload to its stored blob form.
func encodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// decodePayload unmarshals a stored blob back into the concrete struct
// registered for t, dereferencing the pointer receivers so callers get the
// same value-typed structs used elsewhere (e.g. in switch statements).
func decodePayload(t EventType, blob []byte) (Payload, error) {
	factory := decoderFor(t)
	dst := factory()
	if err := json.Unmarshal(blob, dst); err != nil {
		return nil, fmt.Errorf("eventlog: decode payload for %s: %w", t, err)
	}
	return derefPayload(dst), nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *SessionStartPayload:
		return *v
	case *SessionEndPayload:
		return *v
	case *SessionForkPayload:
		return *v
	case *MessageUserPayload:
		return *v
	case *MessageAssistantPayload:
		return *v
	case *MessageSystemPayload:
		return *v
	case *MessageDeletedPayload:
		return *v
	case *ToolCallPayload:
		return *v
	case *ToolResultPayload:
		return *v
	case *StreamTextDeltaPayload:
		return *v
	case *StreamThinkingDeltaPayload:
		return *v
	case *StreamTurnStartPayload:
		return *v
	case *StreamTurnEndPayload:
		return *v
	case *ConfigModelSwitchPayload:
		return *v
	case *ConfigPromptUpdatePayload:
		return *v
	case *ConfigReasoningLevelPayload:
		return *v
	case *CompactBoundaryPayload:
		return *v
	case *CompactSummaryPayload:
		return *v
	case *ContextClearedPayload:
		return *v
	case *HookTriggeredPayload:
		return *v
	case *HookCompletedPayload:
		return *v
	case *HookBackgroundStartedPayload:
		return *v
	case *HookBackgroundCompletedPayload:
		return *v
	case *ErrorAgentPayload:
		return *v
	case *ErrorToolPayload:
		return *v
	case *ErrorProviderPayload:
		return *v
	case *GenericPayload:
		return *v
	default:
		return p
	}
}

// checksum computes the integrity hash of parentID ∥ serialized payload.
// It is optional: stores that don't populate Event.Checksum simply skip
// verification.
func checksum(parentID string, payloadBlob []byte) string {
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write([]byte{0})
	h.Write(payloadBlob)
	return hex.EncodeToString(h.Sum(nil))
}
