package session

import "github.com/forgepipe/conductor/internal/fsm"

// Session status values (spec §3.3's "subset" chain, extended with the
// loop-backs the reaction engine's respawn_agent action implies: a CI
// failure or requested changes sends the session back to implementing for
// another pass rather than dead-ending the machine).
const (
	StatusPlanning      = "planning"
	StatusImplementing  = "implementing"
	StatusPRCreated     = "pr_created"
	StatusCIRunning     = "ci_running"
	StatusReviewPending = "review_pending"
	StatusFailed        = "failed"
	StatusEscalated     = "escalated"
	StatusMerged        = "merged"
)

// StatusFSM declares the reactive-session transition table.
var StatusFSM = fsm.New(fsm.Transitions[string]{
	StatusPlanning: {
		StatusImplementing: true,
	},
	StatusImplementing: {
		StatusPRCreated: true,
	},
	StatusPRCreated: {
		StatusCIRunning: true,
	},
	StatusCIRunning: {
		StatusReviewPending: true,
		StatusImplementing:  true, // respawn_agent on session.ci_failed
		StatusFailed:        true,
		StatusEscalated:     true,
	},
	StatusReviewPending: {
		StatusImplementing: true, // respawn_agent on session.changes_requested
		StatusMerged:       true, // auto_merge on an approved session.ci_passed
		StatusFailed:       true,
		StatusEscalated:    true,
	},
})
