package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// memStore is an in-process Store backed by maps, used by default in tests
// and by components that need no durability across process restarts. It
// satisfies the same Store interface as the sqlite-backed implementation so
// the orchestrator and stream pipeline are storage-agnostic.
type memStore struct {
	mu sync.Mutex

	sessions map[string]*Session
	events   map[string]Event
	order    map[string]int // event ID -> global append order, for Since queries
	nextOrd  int
	bySession map[string][]string // session ID -> event IDs, sequence order
	seq       map[string]uint64   // session ID -> next sequence

	log telemetry.Logger
}

// NewMemStore constructs an in-memory Store.
func NewMemStore(log telemetry.Logger) Store {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &memStore{
		sessions:  make(map[string]*Session),
		events:    make(map[string]Event),
		order:     make(map[string]int),
		bySession: make(map[string][]string),
		seq:       make(map[string]uint64),
		log:       log,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *memStore) CreateSession(ctx context.Context, meta SessionMeta) (Session, Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newEventID()
	now := time.Now().UTC()
	sess := &Session{
		ID:               id,
		WorkspaceID:      meta.WorkspaceID,
		WorkingDirectory: meta.WorkingDirectory,
		Model:            meta.Model,
		Title:            meta.Title,
		CreatedAt:        now,
		LastActivity:     now,
		ParentSessionID:  meta.ParentSessionID,
		IsActive:         true,
	}
	s.sessions[id] = sess

	root, err := s.appendLocked(AppendRequest{
		SessionID:   id,
		WorkspaceID: meta.WorkspaceID,
		Type:        EventSessionStart,
		Payload: SessionStartPayload{
			WorkspaceID:      meta.WorkspaceID,
			WorkingDirectory: meta.WorkingDirectory,
			Model:            meta.Model,
			Title:            meta.Title,
		},
	})
	if err != nil {
		return Session{}, Event{}, err
	}
	return *sess, root, nil
}

func (s *memStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.SessionID]; !ok {
		return Event{}, ErrSessionNotFound
	}
	return s.appendLocked(req)
}

// appendLocked must be called with s.mu held.
func (s *memStore) appendLocked(req AppendRequest) (Event, error) {
	parent := req.ParentID
	if parent == "" {
		if ids := s.bySession[req.SessionID]; len(ids) > 0 {
			parent = ids[len(ids)-1]
		}
	}

	blob, err := encodePayload(req.Payload)
	if err != nil {
		return Event{}, err
	}

	seq := s.seq[req.SessionID] + 1
	s.seq[req.SessionID] = seq

	ev := Event{
		ID:          newEventID(),
		ParentID:    parent,
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Timestamp:   time.Now().UTC(),
		Type:        req.Type,
		Sequence:    seq,
		Payload:     req.Payload,
		Checksum:    checksum(parent, blob),
	}
	s.events[ev.ID] = ev
	s.bySession[req.SessionID] = append(s.bySession[req.SessionID], ev.ID)
	s.order[ev.ID] = s.nextOrd
	s.nextOrd++
	return ev, nil
}

func (s *memStore) GetEventsBySession(ctx context.Context, sessionID string, q EventQuery) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.bySession[sessionID]
	var want map[EventType]bool
	if len(q.Types) > 0 {
		want = make(map[EventType]bool, len(q.Types))
		for _, t := range q.Types {
			want[t] = true
		}
	}

	var before int = -1
	if q.BeforeEventID != "" {
		if ord, ok := s.order[q.BeforeEventID]; ok {
			before = ord
		}
	}

	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		ev := s.events[id]
		if want != nil && !want[ev.Type] {
			continue
		}
		if before >= 0 && s.order[id] >= before {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) GetAncestors(ctx context.Context, eventID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chain []Event
	cur := eventID
	for cur != "" {
		ev, ok := s.events[cur]
		if !ok {
			return nil, ErrEventNotFound
		}
		chain = append(chain, ev)
		cur = ev.ParentID
	}
	// reverse to root-to-event order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *memStore) GetEventsSince(ctx context.Context, q SinceQuery) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	after := -1
	if q.AfterEventID != "" {
		if ord, ok := s.order[q.AfterEventID]; ok {
			after = ord
		}
	}

	var candidates []Event
	for id, ev := range s.events {
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			continue
		}
		if q.WorkspaceID != "" && ev.WorkspaceID != q.WorkspaceID {
			continue
		}
		if after >= 0 && s.order[id] <= after {
			continue
		}
		if !q.AfterTimestamp.IsZero() && !ev.Timestamp.After(q.AfterTimestamp) {
			continue
		}
		candidates = append(candidates, ev)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.order[candidates[i].ID] < s.order[candidates[j].ID]
	})
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	return candidates, nil
}

func (s *memStore) Fork(ctx context.Context, fromEventID string, name string) (Session, Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.events[fromEventID]
	if !ok {
		return Session{}, Event{}, ErrEventNotFound
	}

	id := newEventID()
	now := time.Now().UTC()
	newSess := &Session{
		ID:               id,
		WorkspaceID:      origin.WorkspaceID,
		WorkingDirectory: "",
		Model:            "",
		Title:            name,
		CreatedAt:        now,
		LastActivity:     now,
		ParentSessionID:  origin.SessionID,
		IsActive:         true,
	}
	if parent, ok := s.sessions[origin.SessionID]; ok {
		newSess.WorkingDirectory = parent.WorkingDirectory
		newSess.Model = parent.Model
	}
	s.sessions[id] = newSess

	root, err := s.appendLocked(AppendRequest{
		SessionID:   id,
		WorkspaceID: newSess.WorkspaceID,
		Type:        EventSessionFork,
		Payload:     SessionForkPayload{FromEventID: fromEventID, Name: name},
		ParentID:    fromEventID,
	})
	if err != nil {
		return Session{}, Event{}, err
	}
	return *newSess, root, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, eventID string, mode DeleteMode) (Event, error) {
	s.mu.Lock()
	target, ok := s.events[eventID]
	s.mu.Unlock()
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return s.Append(ctx, AppendRequest{
		SessionID:   target.SessionID,
		WorkspaceID: target.WorkspaceID,
		Type:        EventMessageDeleted,
		Payload:     MessageDeletedPayload{TargetEventID: eventID, Mode: string(mode)},
	})
}

func (s *memStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

func (s *memStore) TouchSession(ctx context.Context, sessionID string, at time.Time, active *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LastActivity = at
	if active != nil {
		sess.IsActive = *active
	}
	return nil
}

func (s *memStore) EndSession(ctx context.Context, sessionID string, reason string) (Event, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return Event{}, ErrSessionNotFound
	}
	ev, err := s.Append(ctx, AppendRequest{
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		Type:        EventSessionEnd,
		Payload:     SessionEndPayload{Reason: reason},
	})
	if err != nil {
		return Event{}, err
	}
	inactive := false
	_ = s.TouchSession(ctx, sessionID, time.Now().UTC(), &inactive)
	return ev, nil
}

func (s *memStore) ArchiveSession(ctx context.Context, sessionID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.IsArchived = archived
	return nil
}

func (s *memStore) ListSessions(ctx context.Context, workspaceID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if workspaceID != "" && sess.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) Close() error { return nil }
