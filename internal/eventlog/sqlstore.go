package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// schemaVersion is the monotonic schema marker stamped into the database.
// No migration framework is defined; a mismatch is an operator concern.
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	working_directory TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	parent_session_id TEXT,
	is_active INTEGER NOT NULL,
	is_archived INTEGER NOT NULL,
	title TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	session_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	type TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	payload_blob BLOB NOT NULL,
	checksum TEXT,
	depth INTEGER NOT NULL DEFAULT 0,
	append_order INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session_sequence ON events(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_workspace_timestamp ON events(workspace_id, timestamp);
`

// sqlStore is a Store backed by an embedded relational database via
// modernc.org/sqlite (pure Go, no cgo), matching the table layout of spec
// §6.3. It records a per-event depth column; GetAncestors does not use it
// and walks the chain by chasing parent_id one row at a time.
type sqlStore struct {
	db  *sql.DB
	log telemetry.Logger
}

// NewSQLStore opens (creating if necessary) a sqlite-backed event store at
// path. Use ":memory:" for an ephemeral database with the same schema as
// production, useful in tests that want to exercise the SQL path without a
// file on disk.
func NewSQLStore(ctx context.Context, path string, log telemetry.Logger) (Store, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per-connection; one conn avoids SQLITE_BUSY
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: apply schema: %w", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_meta`).Scan(&count); err == nil && count == 0 {
		_, _ = db.ExecContext(ctx, `INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion)
	}
	return &sqlStore{db: db, log: log}, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, meta SessionMeta) (Session, Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	defer tx.Rollback()

	id := newEventID()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions(id, workspace_id, working_directory, model, created_at, last_activity, parent_session_id, is_active, is_archived, title)
		VALUES (?,?,?,?,?,?,?,1,0,?)`,
		id, meta.WorkspaceID, meta.WorkingDirectory, meta.Model, now.UnixMilli(), now.UnixMilli(), nullIfEmpty(meta.ParentSessionID), meta.Title,
	); err != nil {
		return Session{}, Event{}, fmt.Errorf("eventlog: insert session: %w", err)
	}

	root, err := s.appendTx(ctx, tx, AppendRequest{
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
	if err := tx.Commit(); err != nil {
		return Session{}, Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}

	return Session{
		ID: id, WorkspaceID: meta.WorkspaceID, WorkingDirectory: meta.WorkingDirectory,
		Model: meta.Model, Title: meta.Title, CreatedAt: now, LastActivity: now,
		ParentSessionID: meta.ParentSessionID, IsActive: true,
	}, root, nil
}

func (s *sqlStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, req.SessionID).Scan(&exists); err != nil {
		return Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	if exists == 0 {
		return Event{}, ErrSessionNotFound
	}

	ev, err := s.appendTx(ctx, tx, req)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	return ev, nil
}

func (s *sqlStore) appendTx(ctx context.Context, tx *sql.Tx, req AppendRequest) (Event, error) {
	parent := req.ParentID
	var parentDepth int
	if parent == "" {
		row := tx.QueryRowContext(ctx, `SELECT id, depth FROM events WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`, req.SessionID)
		var tipID string
		if err := row.Scan(&tipID, &parentDepth); err == nil {
			parent = tipID
		}
	} else {
		_ = tx.QueryRowContext(ctx, `SELECT depth FROM events WHERE id = ?`, parent).Scan(&parentDepth)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE session_id = ?`, req.SessionID).Scan(&maxSeq); err != nil {
		return Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	seq := uint64(maxSeq.Int64) + 1

	var maxOrd sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(append_order) FROM events`).Scan(&maxOrd); err != nil {
		return Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	ord := maxOrd.Int64 + 1

	blob, err := encodePayload(req.Payload)
	if err != nil {
		return Event{}, err
	}
	sum := checksum(parent, blob)
	now := time.Now().UTC()
	id := newEventID()
	depth := 0
	if parent != "" {
		depth = parentDepth + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events(id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum, depth, append_order)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, nullIfEmpty(parent), req.SessionID, req.WorkspaceID, now.UnixMilli(), string(req.Type), seq, blob, sum, depth, ord,
	); err != nil {
		return Event{}, fmt.Errorf("eventlog: insert event: %w", err)
	}

	return Event{
		ID: id, ParentID: parent, SessionID: req.SessionID, WorkspaceID: req.WorkspaceID,
		Timestamp: now, Type: req.Type, Sequence: seq, Payload: req.Payload, Checksum: sum,
	}, nil
}

func (s *sqlStore) GetEventsBySession(ctx context.Context, sessionID string, q EventQuery) ([]Event, error) {
	query := `SELECT id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum, append_order
		FROM events WHERE session_id = ?`
	args := []any{sessionID}

	if q.BeforeEventID != "" {
		var beforeOrd int64
		if err := s.db.QueryRowContext(ctx, `SELECT append_order FROM events WHERE id = ?`, q.BeforeEventID).Scan(&beforeOrd); err != nil {
			return nil, ErrEventNotFound
		}
		query += ` AND append_order < ?`
		args = append(args, beforeOrd)
	}
	if len(q.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(q.Types)) + `)`
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY sequence ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqlStore) GetAncestors(ctx context.Context, eventID string) ([]Event, error) {
	var chain []Event
	cur := eventID
	for cur != "" {
		row := s.db.QueryRowContext(ctx, `SELECT id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum, append_order
			FROM events WHERE id = ?`, cur)
		ev, parentID, err := scanOneEvent(row)
		if err == sql.ErrNoRows {
			return nil, ErrEventNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
		}
		chain = append(chain, ev)
		cur = parentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *sqlStore) GetEventsSince(ctx context.Context, q SinceQuery) ([]Event, error) {
	query := `SELECT id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum, append_order FROM events WHERE 1=1`
	var args []any
	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, q.WorkspaceID)
	}
	if q.AfterEventID != "" {
		var afterOrd int64
		if err := s.db.QueryRowContext(ctx, `SELECT append_order FROM events WHERE id = ?`, q.AfterEventID).Scan(&afterOrd); err == nil {
			query += ` AND append_order > ?`
			args = append(args, afterOrd)
		}
	}
	if !q.AfterTimestamp.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, q.AfterTimestamp.UnixMilli())
	}
	query += ` ORDER BY append_order ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqlStore) Fork(ctx context.Context, fromEventID string, name string) (Session, Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}
	defer tx.Rollback()

	var originSessionID, originWorkspace string
	if err := tx.QueryRowContext(ctx, `SELECT session_id, workspace_id FROM events WHERE id = ?`, fromEventID).Scan(&originSessionID, &originWorkspace); err != nil {
		return Session{}, Event{}, ErrEventNotFound
	}
	var parentDir, parentModel string
	_ = tx.QueryRowContext(ctx, `SELECT working_directory, model FROM sessions WHERE id = ?`, originSessionID).Scan(&parentDir, &parentModel)

	id := newEventID()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions(id, workspace_id, working_directory, model, created_at, last_activity, parent_session_id, is_active, is_archived, title)
		VALUES (?,?,?,?,?,?,?,1,0,?)`,
		id, originWorkspace, parentDir, parentModel, now.UnixMilli(), now.UnixMilli(), originSessionID, name,
	); err != nil {
		return Session{}, Event{}, fmt.Errorf("eventlog: insert forked session: %w", err)
	}

	root, err := s.appendTx(ctx, tx, AppendRequest{
		SessionID:   id,
		WorkspaceID: originWorkspace,
		Type:        EventSessionFork,
		Payload:     SessionForkPayload{FromEventID: fromEventID, Name: name},
		ParentID:    fromEventID,
	})
	if err != nil {
		return Session{}, Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, Event{}, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
	}

	return Session{
		ID: id, WorkspaceID: originWorkspace, WorkingDirectory: parentDir, Model: parentModel,
		Title: name, CreatedAt: now, LastActivity: now, ParentSessionID: originSessionID, IsActive: true,
	}, root, nil
}

func (s *sqlStore) DeleteMessage(ctx context.Context, eventID string, mode DeleteMode) (Event, error) {
	var sessionID, workspaceID string
	if err := s.db.QueryRowContext(ctx, `SELECT session_id, workspace_id FROM events WHERE id = ?`, eventID).Scan(&sessionID, &workspaceID); err != nil {
		return Event{}, ErrEventNotFound
	}
	return s.Append(ctx, AppendRequest{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Type:        EventMessageDeleted,
		Payload:     MessageDeletedPayload{TargetEventID: eventID, Mode: string(mode)},
	})
}

func (s *sqlStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, working_directory, model, created_at, last_activity, parent_session_id, is_active, is_archived, title
		FROM sessions WHERE id = ?`, sessionID)
	return scanOneSession(row)
}

func (s *sqlStore) TouchSession(ctx context.Context, sessionID string, at time.Time, active *bool) error {
	if active != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity = ?, is_active = ? WHERE id = ?`, at.UnixMilli(), boolToInt(*active), sessionID)
		return wrapIOErr(err)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, at.UnixMilli(), sessionID)
	return wrapIOErr(err)
}

func (s *sqlStore) EndSession(ctx context.Context, sessionID string, reason string) (Event, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Event{}, err
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

func (s *sqlStore) ArchiveSession(ctx context.Context, sessionID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_archived = ? WHERE id = ?`, boolToInt(archived), sessionID)
	if err != nil {
		return wrapIOErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context, workspaceID string) ([]Session, error) {
	query := `SELECT id, workspace_id, working_directory, model, created_at, last_activity, parent_session_id, is_active, is_archived, title FROM sessions`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapIOErr(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanOneSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error { return s.db.Close() }

// row is satisfied by both *sql.Row and *sql.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanOneSession(r row) (Session, error) {
	var sess Session
	var parentID sql.NullString
	var createdAt, lastActivity int64
	var isActive, isArchived int
	var title sql.NullString
	if err := r.Scan(&sess.ID, &sess.WorkspaceID, &sess.WorkingDirectory, &sess.Model, &createdAt, &lastActivity, &parentID, &isActive, &isArchived, &title); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, wrapIOErr(err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.LastActivity = time.UnixMilli(lastActivity).UTC()
	sess.ParentSessionID = parentID.String
	sess.IsActive = isActive != 0
	sess.IsArchived = isArchived != 0
	sess.Title = title.String
	return sess, nil
}

func scanOneEvent(r row) (Event, string, error) {
	var ev Event
	var parentID sql.NullString
	var ts int64
	var typ string
	var blob []byte
	var sum sql.NullString
	var ord int64
	if err := r.Scan(&ev.ID, &parentID, &ev.SessionID, &ev.WorkspaceID, &ts, &typ, &ev.Sequence, &blob, &sum, &ord); err != nil {
		return Event{}, "", err
	}
	ev.ParentID = parentID.String
	ev.Timestamp = time.UnixMilli(ts).UTC()
	ev.Type = EventType(typ)
	ev.Checksum = sum.String
	payload, err := decodePayload(ev.Type, blob)
	if err != nil {
		return Event{}, "", err
	}
	ev.Payload = payload
	return ev, ev.ParentID, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, _, err := scanOneEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("eventlog: %w: %v", ErrStorageIO, err)
}
