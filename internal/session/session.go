// Package session tracks reactive workflows: the long-running
// planning/implementing/review/merge lifecycle the reaction engine drives
// forward in response to CI and review webhooks, distinct from a single
// pipeline request's run-to-completion lifecycle in internal/pipeline.
package session

import "time"

// Issue identifies the source issue a session implements, mirroring the
// webhook ingress's branch-name extraction.
type Issue struct {
	Number int `json:"number"`
}

// Attempts tracks the reaction engine's retry budgets per trigger kind.
type Attempts struct {
	CI     int `json:"ci"`
	Review int `json:"review"`
}

// Session is one reactive workflow's state.
type Session struct {
	ID           string    `json:"id"`
	Issue        Issue     `json:"issue"`
	PRNumber     int       `json:"pr_number,omitempty"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage,omitempty"`
	Attempts     Attempts  `json:"attempts"`
	Branch       string    `json:"branch,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsActive reports whether the session is still progressing toward a
// terminal status.
func (s Session) IsActive() bool {
	return !s.IsTerminal()
}

// IsTerminal reports whether the session has reached a status StatusFSM
// has no outgoing transitions from.
func (s Session) IsTerminal() bool {
	return StatusFSM.IsTerminal(s.Status)
}
