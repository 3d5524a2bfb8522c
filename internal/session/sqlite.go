package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteSchema mirrors the teacher's schema_version + session_events
// migration shape, adapted from a per-issue event log to a first-class
// sessions table with its own event-log sidecar for the forensic trail.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    issue_number  INTEGER NOT NULL,
    pr_number     INTEGER,
    status        TEXT NOT NULL,
    stage         TEXT,
    attempts_ci     INTEGER NOT NULL DEFAULT 0,
    attempts_review INTEGER NOT NULL DEFAULT 0,
    branch        TEXT,
    worktree_path TEXT,
    started_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    status     TEXT NOT NULL,
    stage      TEXT,
    timestamp  TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, timestamp DESC);
`

// SQLiteStore implements Store over a local SQLite file, the default
// backend.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens or creates the SQLite database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite session store: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	store := &SQLiteStore{conn: conn}
	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Create inserts a new session; an empty Status defaults to StatusPlanning.
func (s *SQLiteStore) Create(sess Session) error {
	if sess.Status == "" {
		sess.Status = StatusPlanning
	}
	now := time.Now().UTC()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.conn.Exec(
		`INSERT INTO sessions (id, issue_number, pr_number, status, stage, attempts_ci, attempts_review, branch, worktree_path, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Issue.Number, sess.PRNumber, sess.Status, sess.Stage,
		sess.Attempts.CI, sess.Attempts.Review, sess.Branch, sess.WorktreePath,
		sess.StartedAt.Format(time.RFC3339), sess.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return s.logEvent(sess.ID, sess.Status, sess.Stage)
}

// Get returns the session by id.
func (s *SQLiteStore) Get(id string) (Session, bool, error) {
	row := s.conn.QueryRow(
		`SELECT id, issue_number, pr_number, status, stage, attempts_ci, attempts_review, branch, worktree_path, started_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var stage, branch, worktreePath sql.NullString
	var startedAt, updatedAt string
	var prNum sql.NullInt64

	if err := row.Scan(&sess.ID, &sess.Issue.Number, &prNum, &sess.Status, &stage,
		&sess.Attempts.CI, &sess.Attempts.Review, &branch, &worktreePath, &startedAt, &updatedAt); err != nil {
		return Session{}, err
	}
	if prNum.Valid {
		sess.PRNumber = int(prNum.Int64)
	}
	if stage.Valid {
		sess.Stage = stage.String
	}
	if branch.Valid {
		sess.Branch = branch.String
	}
	if worktreePath.Valid {
		sess.WorktreePath = worktreePath.String
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return sess, nil
}

// Transition moves id to status, validating against StatusFSM.
func (s *SQLiteStore) Transition(id string, status string, stage string) error {
	sess, ok, err := s.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound(id)
	}
	if err := StatusFSM.Transition(sess.Status, status); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if stage == "" {
		stage = sess.Stage
	}
	if _, err := s.conn.Exec(
		`UPDATE sessions SET status = ?, stage = ?, updated_at = ? WHERE id = ?`,
		status, stage, now, id,
	); err != nil {
		return fmt.Errorf("transition session %s: %w", id, err)
	}
	return s.logEvent(id, status, stage)
}

// IncrementAttempts bumps attempts.ci or attempts.review by one.
func (s *SQLiteStore) IncrementAttempts(id string, kind AttemptKind) (int, error) {
	column := "attempts_ci"
	if kind == AttemptReview {
		column = "attempts_review"
	}
	res, err := s.conn.Exec(
		fmt.Sprintf(`UPDATE sessions SET %s = %s + 1, updated_at = ? WHERE id = ?`, column, column),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return 0, fmt.Errorf("increment %s attempts for %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return 0, errNotFound(id)
	}

	sess, _, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if kind == AttemptReview {
		return sess.Attempts.Review, nil
	}
	return sess.Attempts.CI, nil
}

// ListActive returns every session not in a terminal status.
func (s *SQLiteStore) ListActive() ([]Session, error) {
	rows, err := s.conn.Query(
		`SELECT id, issue_number, pr_number, status, stage, attempts_ci, attempts_review, branch, worktree_path, started_at, updated_at
		 FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.IsActive() {
			out = append(out, sess)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) logEvent(sessionID, status, stage string) error {
	_, err := s.conn.Exec(
		`INSERT INTO session_events (session_id, status, stage) VALUES (?, ?, ?)`,
		sessionID, status, stage,
	)
	if err != nil {
		return fmt.Errorf("log session event: %w", err)
	}
	return nil
}
