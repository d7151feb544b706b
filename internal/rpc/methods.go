package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sessionforge/sessioncore/internal/eventlog"
	"github.com/sessionforge/sessioncore/internal/orchestrator"
)

// paramString pulls a required string param. Presence was already
// checked by the registry against Method.RequiredParams; this only
// handles the type assertion, since JSON decoding hands back any.
func paramString(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", NewError(CodeInvalidParams, fmt.Sprintf("missing param %q", name))
	}
	s, ok := v.(string)
	if !ok {
		return "", NewError(CodeInvalidParams, fmt.Sprintf("param %q must be a string", name))
	}
	return s, nil
}

func optionalString(params map[string]any, name string) string {
	if v, ok := params[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func optionalInt(params map[string]any, name string, def int) int {
	if v, ok := params[name]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// optionalEventTypes pulls an optional "types" param (a JSON array of
// strings) and converts it to the eventlog.EventType values GetEventsBySession
// filters on. A malformed or absent param yields a nil filter (no filter).
func optionalEventTypes(params map[string]any, name string) []eventlog.EventType {
	v, ok := params[name]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	types := make([]eventlog.EventType, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			types = append(types, eventlog.EventType(s))
		}
	}
	return types
}

// optionalFields pulls an optional free-form object param, used by
// events.append to carry a client-supplied payload whose shape isn't one
// of the fixed in-repo event structs.
func optionalFields(params map[string]any, name string) map[string]any {
	if v, ok := params[name]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// mapOrchestratorErr classifies an orchestrator error into the RPC
// taxonomy. A *Error passes through unchanged; orchestrator.ErrSessionNotFound
// and eventlog.ErrSessionNotFound map to SESSION_NOT_FOUND; everything else
// surfaces as INTERNAL_ERROR.
func mapOrchestratorErr(err error) error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	if errors.Is(err, orchestrator.ErrSessionNotFound) || errors.Is(err, eventlog.ErrSessionNotFound) {
		return NewError(CodeSessionNotFound, err.Error())
	}
	return NewError(CodeInternalError, err.Error())
}

// RegisterOrchestratorMethods wires the session/agent/events/context
// namespaces, plus model.switch, onto orch. Namespaces with no in-repo
// manager (memory, file, filesystem, device, client, system, tool.result)
// are left to the host process to register against its own collaborators
// — calling them against this registry alone correctly surfaces
// METHOD_NOT_FOUND. model.list is deferred alongside them: orch has no
// model catalogue, only per-call model selection, so there is nothing
// in-repo to back a listing.
func RegisterOrchestratorMethods(reg *Registry, orch *orchestrator.Orchestrator) error {
	methods := []Method{
		{
			Name:           "session.create",
			RequiredParams: []string{"workspaceId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				workspaceID, err := paramString(params, "workspaceId")
				if err != nil {
					return nil, err
				}
				info, err := orch.CreateSession(ctx, orchestrator.CreateOptions{
					WorkspaceID:      workspaceID,
					WorkingDirectory: optionalString(params, "workingDirectory"),
					Model:            optionalString(params, "model"),
					Title:            optionalString(params, "title"),
				})
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return info, nil
			},
		},
		{
			Name:           "session.resume",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				info, err := orch.ResumeSession(ctx, sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return info, nil
			},
		},
		{
			Name:           "session.list",
			RequiredParams: []string{"workspaceId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				workspaceID, err := paramString(params, "workspaceId")
				if err != nil {
					return nil, err
				}
				infos, err := orch.ListSessions(ctx, workspaceID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return infos, nil
			},
		},
		{
			Name:           "session.delete",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				if err := orch.DeleteSession(ctx, sessionID); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"deleted": true}, nil
			},
		},
		{
			Name:           "session.fork",
			RequiredParams: []string{"sessionId", "fromEventId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				fromEventID, err := paramString(params, "fromEventId")
				if err != nil {
					return nil, err
				}
				info, err := orch.ForkSession(ctx, sessionID, fromEventID, optionalString(params, "name"))
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return info, nil
			},
		},
		{
			Name:           "session.archive",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				if err := orch.ArchiveSession(ctx, sessionID, true); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"archived": true}, nil
			},
		},
		{
			Name:           "session.unarchive",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				if err := orch.ArchiveSession(ctx, sessionID, false); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"archived": false}, nil
			},
		},
		{
			Name:           "agent.prompt",
			RequiredParams: []string{"sessionId", "prompt"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				prompt, err := paramString(params, "prompt")
				if err != nil {
					return nil, err
				}
				if err := orch.Prompt(sessionID, prompt); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"accepted": true}, nil
			},
		},
		{
			Name:           "agent.abort",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				if err := orch.Abort(sessionID); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"aborted": true}, nil
			},
		},
		{
			Name:           "agent.getState",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				info, err := orch.GetSessionInfo(sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				snap, err := orch.GetContextSnapshot(sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"session": info, "context": snap}, nil
			},
		},
		{
			Name:           "events.getHistory",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				events, err := orch.Store().GetEventsBySession(ctx, sessionID, eventlog.EventQuery{
					Types:         optionalEventTypes(params, "types"),
					Limit:         optionalInt(params, "limit", 0),
					BeforeEventID: optionalString(params, "beforeEventId"),
				})
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return events, nil
			},
		},
		{
			Name:           "events.getSince",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				events, err := orch.Store().GetEventsSince(ctx, eventlog.SinceQuery{
					SessionID:    sessionID,
					WorkspaceID:  optionalString(params, "workspaceId"),
					AfterEventID: optionalString(params, "afterEventId"),
					Limit:        optionalInt(params, "limit", 0),
				})
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return events, nil
			},
		},
		{
			Name:           "events.append",
			RequiredParams: []string{"sessionId", "type"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				eventType, err := paramString(params, "type")
				if err != nil {
					return nil, err
				}
				payload := eventlog.GenericPayload{Kind: eventType, Fields: optionalFields(params, "payload")}
				ev, err := orch.Store().Append(ctx, eventlog.AppendRequest{
					SessionID: sessionID,
					Type:      eventlog.EventType(eventType),
					Payload:   payload,
					ParentID:  optionalString(params, "parentId"),
				})
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return ev, nil
			},
		},
		{
			Name:           "model.switch",
			RequiredParams: []string{"sessionId", "modelId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				modelID, err := paramString(params, "modelId")
				if err != nil {
					return nil, err
				}
				if err := orch.SwitchModel(ctx, sessionID, modelID); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"model": modelID}, nil
			},
		},
		{
			Name:           "context.getSnapshot",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				snap, err := orch.GetContextSnapshot(sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return snap, nil
			},
		},
		{
			Name:           "context.getDetailed",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				snap, err := orch.GetDetailedContextSnapshot(sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return snap, nil
			},
		},
		{
			Name:           "context.shouldCompact",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				should, err := orch.ShouldCompact(sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"shouldCompact": should}, nil
			},
		},
		{
			Name:           "context.previewCompaction",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				result, err := orch.PreviewCompaction(sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return result, nil
			},
		},
		{
			Name:           "context.confirmCompaction",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				result, err := orch.ConfirmCompaction(ctx, sessionID)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return result, nil
			},
		},
		{
			Name:           "context.canAcceptTurn",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				estimated := optionalInt(params, "estimatedResponseTokens", 0)
				result, err := orch.CanAcceptTurn(sessionID, estimated)
				if err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return result, nil
			},
		},
		{
			Name:           "context.clear",
			RequiredParams: []string{"sessionId"},
			Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
				sessionID, err := paramString(params, "sessionId")
				if err != nil {
					return nil, err
				}
				if err := orch.ClearContext(ctx, sessionID); err != nil {
					return nil, mapOrchestratorErr(err)
				}
				return map[string]any{"cleared": true}, nil
			},
		},
	}

	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}
