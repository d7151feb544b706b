package eventlog

import (
	"context"
	"errors"
	"time"
)

// Event is the atom of durable state: one immutable, time-ordered record of
// a semantic change to a session.
type Event struct {
	ID          string
	ParentID    string // empty for a session root
	SessionID   string
	WorkspaceID string
	Timestamp   time.Time
	Type        EventType
	Sequence    uint64
	Payload     Payload
	Checksum    string
}

// SessionMeta is the set of attributes fixed at session.create time.
type SessionMeta struct {
	WorkspaceID      string
	WorkingDirectory string
	Model            string
	Title            string
	ParentSessionID  string
}

// Session is a projection of session-scoped attributes, refreshed on every
// mutation. MessageCount and token/cost totals are derived from the event
// log by the orchestrator, not stored here.
type Session struct {
	ID               string
	WorkspaceID      string
	WorkingDirectory string
	Model            string
	Title            string
	CreatedAt        time.Time
	LastActivity     time.Time
	ParentSessionID  string
	IsActive         bool
	IsArchived       bool
}

// AppendRequest describes one event to append. ParentID is optional; when
// empty, the store uses the session's current tip (the latest event by
// sequence) as the parent.
type AppendRequest struct {
	SessionID   string
	WorkspaceID string
	Type        EventType
	Payload     Payload
	ParentID    string
}

// EventQuery filters getEventsBySession.
type EventQuery struct {
	Types        []EventType
	Limit        int
	BeforeEventID string
}

// SinceQuery filters getEventsSince, the delta query clients poll or
// subscribe against.
type SinceQuery struct {
	SessionID     string
	WorkspaceID   string
	AfterEventID  string
	AfterTimestamp time.Time
	Limit         int
}

// DeleteMode controls how deleteMessage's marker is interpreted downstream;
// the store itself always appends a marker and never mutates the target.
type DeleteMode string

const (
	DeleteModeSoft DeleteMode = "soft"
	DeleteModeHard DeleteMode = "hard"
)

// Store is the durable append-only event log contract. Implementations must
// serialize appends per session while allowing cross-session appends to
// proceed in parallel, and must offer repeatable-read queries: once an event
// is returned, later queries against the same store return it too.
type Store interface {
	CreateSession(ctx context.Context, meta SessionMeta) (Session, Event, error)
	Append(ctx context.Context, req AppendRequest) (Event, error)
	GetEventsBySession(ctx context.Context, sessionID string, q EventQuery) ([]Event, error)
	GetAncestors(ctx context.Context, eventID string) ([]Event, error)
	GetEventsSince(ctx context.Context, q SinceQuery) ([]Event, error)
	Fork(ctx context.Context, fromEventID string, name string) (Session, Event, error)
	DeleteMessage(ctx context.Context, eventID string, mode DeleteMode) (Event, error)

	// GetSession returns the current session projection.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// TouchSession updates LastActivity and, when active is non-nil,
	// IsActive.
	TouchSession(ctx context.Context, sessionID string, at time.Time, active *bool) error
	// EndSession marks the session inactive and appends session.end.
	EndSession(ctx context.Context, sessionID string, reason string) (Event, error)
	// ArchiveSession toggles IsArchived without writing an event (it is a
	// projection-only flag, not part of the semantic event history).
	ArchiveSession(ctx context.Context, sessionID string, archived bool) error
	// ListSessions returns sessions in a workspace, most recent first.
	ListSessions(ctx context.Context, workspaceID string) ([]Session, error)

	Close() error
}

// Errors returned by Store implementations. ErrSessionNotFound/
// ErrEventNotFound are "not found" (surfaced, never retried); ErrStorageIO
// marks a transient storage failure, which callers in this module surface
// without retrying; ErrChecksumMismatch is an
// integrity failure, surfaced but never
// silently repaired.
var (
	ErrSessionNotFound   = errors.New("eventlog: session not found")
	ErrEventNotFound     = errors.New("eventlog: event not found")
	ErrStorageIO         = errors.New("eventlog: storage I/O error")
	ErrChecksumMismatch  = errors.New("eventlog: checksum mismatch")
)
