package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is the same session/session_events shape as sqlite.go,
// expressed in Postgres DDL.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT PRIMARY KEY,
    issue_number    INTEGER NOT NULL,
    pr_number       INTEGER,
    status          TEXT NOT NULL,
    stage           TEXT,
    attempts_ci     INTEGER NOT NULL DEFAULT 0,
    attempts_review INTEGER NOT NULL DEFAULT 0,
    branch          TEXT,
    worktree_path   TEXT,
    started_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    status     TEXT NOT NULL,
    stage      TEXT,
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, timestamp DESC);
`

// PostgresStore implements Store over jackc/pgx/v5, selected by
// SESSION_STORE_DRIVER=postgres when a project runs the reaction engine
// against a shared database instead of a per-checkout SQLite file.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connString and migrates the schema.
func OpenPostgres(connString string) (*PostgresStore, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres session store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres session store: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Create inserts a new session; an empty Status defaults to StatusPlanning.
func (s *PostgresStore) Create(sess Session) error {
	ctx := context.Background()
	if sess.Status == "" {
		sess.Status = StatusPlanning
	}
	now := time.Now().UTC()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, issue_number, pr_number, status, stage, attempts_ci, attempts_review, branch, worktree_path, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.Issue.Number, sess.PRNumber, sess.Status, sess.Stage,
		sess.Attempts.CI, sess.Attempts.Review, sess.Branch, sess.WorktreePath,
		sess.StartedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return s.logEvent(ctx, sess.ID, sess.Status, sess.Stage)
}

// Get returns the session by id.
func (s *PostgresStore) Get(id string) (Session, bool, error) {
	ctx := context.Background()
	row := s.pool.QueryRow(ctx,
		`SELECT id, issue_number, pr_number, status, stage, attempts_ci, attempts_review, branch, worktree_path, started_at, updated_at
		 FROM sessions WHERE id = $1`, id)

	var sess Session
	var prNumber *int
	var stage, branch, worktreePath *string

	err := row.Scan(&sess.ID, &sess.Issue.Number, &prNumber, &sess.Status, &stage,
		&sess.Attempts.CI, &sess.Attempts.Review, &branch, &worktreePath, &sess.StartedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	if prNumber != nil {
		sess.PRNumber = *prNumber
	}
	if stage != nil {
		sess.Stage = *stage
	}
	if branch != nil {
		sess.Branch = *branch
	}
	if worktreePath != nil {
		sess.WorktreePath = *worktreePath
	}
	return sess, true, nil
}

// Transition moves id to status, validating against StatusFSM.
func (s *PostgresStore) Transition(id string, status string, stage string) error {
	ctx := context.Background()
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
	if stage == "" {
		stage = sess.Stage
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, stage = $2, updated_at = $3 WHERE id = $4`,
		status, stage, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("transition session %s: %w", id, err)
	}
	return s.logEvent(ctx, id, status, stage)
}

// IncrementAttempts bumps attempts.ci or attempts.review by one.
func (s *PostgresStore) IncrementAttempts(id string, kind AttemptKind) (int, error) {
	ctx := context.Background()
	column := "attempts_ci"
	if kind == AttemptReview {
		column = "attempts_review"
	}

	var newValue int
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s = %s + 1, updated_at = $1 WHERE id = $2 RETURNING %s`, column, column, column),
		time.Now().UTC(), id,
	).Scan(&newValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errNotFound(id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s attempts for %s: %w", kind, id, err)
	}
	return newValue, nil
}

// ListActive returns every session not in a terminal status.
func (s *PostgresStore) ListActive() ([]Session, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx,
		`SELECT id, issue_number, pr_number, status, stage, attempts_ci, attempts_review, branch, worktree_path, started_at, updated_at
		 FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var prNumber *int
		var stage, branch, worktreePath *string
		if err := rows.Scan(&sess.ID, &sess.Issue.Number, &prNumber, &sess.Status, &stage,
			&sess.Attempts.CI, &sess.Attempts.Review, &branch, &worktreePath, &sess.StartedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if prNumber != nil {
			sess.PRNumber = *prNumber
		}
		if stage != nil {
			sess.Stage = *stage
		}
		if branch != nil {
			sess.Branch = *branch
		}
		if worktreePath != nil {
			sess.WorktreePath = *worktreePath
		}
		if sess.IsActive() {
			out = append(out, sess)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) logEvent(ctx context.Context, sessionID, status, stage string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (session_id, status, stage) VALUES ($1, $2, $3)`,
		sessionID, status, stage,
	)
	if err != nil {
		return fmt.Errorf("log session event: %w", err)
	}
	return nil
}
