package session

import (
	"fmt"
	"os"
)

// Store persists session records and the event log behind them, the
// reaction engine's durable view of every reactive workflow in flight.
// Grounded on the teacher's db.LogSessionEvent/GetSessionState/
// GetAllActiveSessions query shape, generalized from the teacher's
// per-issue session_events rows to a first-class Session record so the
// reaction engine can load and save attempts/status directly instead of
// replaying an event log on every check.
type Store interface {
	// Create inserts a new session; an empty Status defaults to
	// StatusPlanning.
	Create(s Session) error
	// Get returns the session by id, or (zero, false, nil) if it doesn't exist.
	Get(id string) (Session, bool, error)
	// Transition moves id to status, validating against StatusFSM, and
	// persists the new stage if nonzero.
	Transition(id string, status string, stage string) error
	// IncrementAttempts bumps attempts.ci or attempts.review by one and
	// returns the new count.
	IncrementAttempts(id string, kind AttemptKind) (int, error)
	// ListActive returns every session whose status is not terminal.
	ListActive() ([]Session, error)
	// Close releases the underlying connection.
	Close() error
}

// AttemptKind selects which retry budget IncrementAttempts bumps.
type AttemptKind string

const (
	AttemptCI     AttemptKind = "ci"
	AttemptReview AttemptKind = "review"
)

// DriverEnvVar selects the Store backend; unset or any value other than
// "postgres" uses SQLite.
const DriverEnvVar = "SESSION_STORE_DRIVER"

// Open builds a Store for path using the driver named by SESSION_STORE_DRIVER
// (sqlite by default). path is the SQLite file path; for the postgres
// driver it is instead read as a connection string via the same parameter,
// so callers pass whichever DSN suits the selected driver.
func Open(path string) (Store, error) {
	switch os.Getenv(DriverEnvVar) {
	case "postgres":
		return OpenPostgres(path)
	default:
		return OpenSQLite(path)
	}
}

func errNotFound(id string) error {
	return fmt.Errorf("session: %q not found", id)
}
