package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	user_message TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_status ON turns(status);

CREATE TABLE IF NOT EXISTS steps (
	turn_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (turn_id, step_index),
	FOREIGN KEY (turn_id) REFERENCES turns(id)
);
`

// Store persists sessions, turns, and step logs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the conversation database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSession creates the session if it does not exist and returns
// it. Creating is idempotent so concurrent first-turns on the same
// session ID cannot race.
func (s *Store) EnsureSession(ctx context.Context, id, userID string) (*Session, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, '', ?, ?)`,
		id, userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession returns the session, or nil when it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// SetSessionTitle names the session, typically after its first turn.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, now, id)
	if err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM sessions WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session with all its turns and steps.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM steps WHERE turn_id IN (SELECT id FROM turns WHERE session_id = ?)`, id); err != nil {
		return fmt.Errorf("delete session steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// CreateTurn opens a new running turn in the session and bumps the
// session's activity timestamp.
func (s *Store) CreateTurn(ctx context.Context, sessionID, userID, userMessage string) (*Turn, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate turn id: %w", err)
	}
	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, user_id, status, user_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), sessionID, userID, StatusRunning, userMessage, ts, ts); err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}

	return &Turn{
		ID:          id.String(),
		SessionID:   sessionID,
		UserID:      userID,
		Status:      StatusRunning,
		UserMessage: userMessage,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetTurn returns the turn, or nil when it does not exist.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, status, user_message, created_at, updated_at
		FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// UpdateTurnStatus records a turn's derived status.
func (s *Store) UpdateTurnStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id)
	if err != nil {
		return fmt.Errorf("update turn status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update turn status: turn %s not found", id)
	}
	return nil
}

// FindActiveTurn returns the session's running or suspended turn, or
// nil when the session is idle. At most one turn per session may be
// active at a time; callers use this to enforce that.
func (s *Store) FindActiveTurn(ctx context.Context, sessionID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, status, user_message, created_at, updated_at
		FROM turns WHERE session_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		sessionID, StatusRunning, StatusSuspended)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTurns returns a session's turns in creation order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, status, user_message, created_at, updated_at
		FROM turns WHERE session_id = ?
		ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

// ListTurnsByStatus returns all turns in any of the given statuses,
// oldest first. Startup recovery uses this to find turns a previous
// process left running.
func (s *Store) ListTurnsByStatus(ctx context.Context, statuses ...string) ([]Turn, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, session_id, user_id, status, user_message, created_at, updated_at
		FROM turns WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) +
		`) ORDER BY created_at ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns by status: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

// AppendStep appends a step to the turn's log and returns it with its
// assigned index. Indexes are allocated inside a transaction so the
// log stays gapless even under concurrent writers; the payload is
// marshaled to JSON.
func (s *Store) AppendStep(ctx context.Context, turnID, kind string, payload any) (*Step, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append step: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_index), -1) + 1 FROM steps WHERE turn_id = ?`,
		turnID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next step index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO steps (turn_id, step_index, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		turnID, next, kind, string(raw), ts); err != nil {
		return nil, fmt.Errorf("append step: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE turns SET updated_at = ? WHERE id = ?`, ts, turnID); err != nil {
		return nil, fmt.Errorf("touch turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append step: %w", err)
	}

	return &Step{
		TurnID:    turnID,
		Index:     next,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: now,
	}, nil
}

// GetSteps returns the turn's full log in index order.
func (s *Store) GetSteps(ctx context.Context, turnID string) ([]Step, error) {
	return s.GetStepsFrom(ctx, turnID, 0)
}

// GetStepsFrom returns the turn's steps with index >= from, in index
// order. Stream reconnects use this to replay what a client missed.
func (s *Store) GetStepsFrom(ctx context.Context, turnID string, from int) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, step_index, kind, payload, created_at
		FROM steps WHERE turn_id = ? AND step_index >= ?
		ORDER BY step_index ASC`, turnID, from)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var payload, created string
		if err := rows.Scan(&st.TurnID, &st.Index, &st.Kind, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Payload = json.RawMessage(payload)
		st.CreatedAt = parseTime(created)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var created, updated string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

func scanTurn(row scanner) (*Turn, error) {
	var t Turn
	var created, updated string
	if err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Status, &t.UserMessage, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func collectTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
