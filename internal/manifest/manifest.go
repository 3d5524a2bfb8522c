// Package manifest persists the single source of truth for which branches
// are ready to integrate, mid-integration, or already merged. Every branch
// occupies exactly one container at any time; mutations that would violate
// that invariant are rejected rather than applied.
package manifest

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/pipeline"
)

// ReadyEntry is a pipeline result waiting to be integrated.
type ReadyEntry struct {
	Branch             string     `json:"branch"`
	PipelineBranch     string     `json:"pipeline_branch"`
	WorktreePath       string     `json:"worktree_path"`
	RequestID          string     `json:"request_id"`
	Tier               string     `json:"tier"`
	PipelineResult     string     `json:"pipeline_result"`
	CorrectionsApplied []string   `json:"corrections_applied,omitempty"`
	ReadyAt            time.Time  `json:"ready_at"`
	Priority           int        `json:"priority"`
	DependsOn          []string   `json:"depends_on,omitempty"`
	BaseBranch         string     `json:"base_branch,omitempty"`
	BaseMainSHA        string     `json:"base_main_sha"`
	SkipMerge          bool       `json:"skip_merge"`
	LastError          string     `json:"last_error,omitempty"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	Attempts           int        `json:"attempts,omitempty"`
}

// DefaultPriority is used when an entry is added without an explicit
// priority (lower is more urgent).
const DefaultPriority = 10

// PendingMergeEntry is a ready entry after PR creation.
type PendingMergeEntry struct {
	ReadyEntry
	IntegrationBranch string `json:"integration_branch"`
	PRNumber          int    `json:"pr_number"`
	PRURL             string `json:"pr_url"`
	ConflictsResolved int    `json:"conflicts_resolved"`
}

// MergeHistoryEntry is a pending-merge entry after the PR merged.
type MergeHistoryEntry struct {
	PendingMergeEntry
	MergeCommitSHA string    `json:"merge_commit_sha"`
	MergedAt       time.Time `json:"merged_at"`
}

// document is the on-disk shape of .pipeline/manifest.json.
type document struct {
	Ready        []ReadyEntry        `json:"ready"`
	PendingMerge []PendingMergeEntry `json:"pending_merge"`
	MergeHistory []MergeHistoryEntry `json:"merge_history"`
}

// Manager owns the manifest document, serializing every mutation and
// checking the one-container-per-branch invariant before persisting.
type Manager struct {
	path string

	mu  sync.Mutex
	doc document

	logger *zap.Logger
}

// NewManager loads (or initializes) the manifest document at path.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger}
	if err := pipeline.ReadJSON(path, &m.doc); err != nil {
		m.doc = document{}
	}
	return m, nil
}

// containerOf reports which container branch currently occupies, or ""
// if it is in none of them.
func (m *Manager) containerOf(branch string) string {
	for _, e := range m.doc.Ready {
		if e.Branch == branch {
			return BranchReady
		}
	}
	for _, e := range m.doc.PendingMerge {
		if e.Branch == branch {
			return BranchPendingMerge
		}
	}
	for _, e := range m.doc.MergeHistory {
		if e.Branch == branch {
			return BranchMergeHistory
		}
	}
	return ""
}

func (m *Manager) save() error {
	return pipeline.WriteJSON(m.path, &m.doc)
}

func (m *Manager) reject(branch, reason string) error {
	err := fmt.Errorf("manifest: reject mutation for %s: %s", branch, reason)
	if m.logger != nil {
		m.logger.Error("manifest invariant violation", zap.String("branch", branch), zap.String("reason", reason))
	}
	return err
}

// AddToReady adds a new ready entry. Rejected if branch already occupies a
// container (a branch may not be ready twice, or ready while already
// merging).
func (m *Manager) AddToReady(entry ReadyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.containerOf(entry.Branch); c != "" {
		return m.reject(entry.Branch, fmt.Sprintf("already in %s", c))
	}
	if entry.Priority == 0 {
		entry.Priority = DefaultPriority
	}
	m.doc.Ready = append(m.doc.Ready, entry)
	return m.save()
}

// MoveToPendingMerge moves branch from ready to pending_merge, augmented
// with PR info. Rejected if branch is not currently in ready.
func (m *Manager) MoveToPendingMerge(branch string, integrationBranch string, prNumber int, prURL string, conflictsResolved int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, e := range m.doc.Ready {
		if e.Branch == branch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return m.reject(branch, "not in ready")
	}

	ready := m.doc.Ready[idx]
	m.doc.Ready = append(m.doc.Ready[:idx], m.doc.Ready[idx+1:]...)
	m.doc.PendingMerge = append(m.doc.PendingMerge, PendingMergeEntry{
		ReadyEntry:        ready,
		IntegrationBranch: integrationBranch,
		PRNumber:          prNumber,
		PRURL:             prURL,
		ConflictsResolved: conflictsResolved,
	})
	return m.save()
}

// MoveToMergeHistory moves branch from pending_merge to merge_history.
// Rejected if branch is not currently in pending_merge.
func (m *Manager) MoveToMergeHistory(branch string, mergeCommitSHA string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, e := range m.doc.PendingMerge {
		if e.Branch == branch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return m.reject(branch, "not in pending_merge")
	}

	pending := m.doc.PendingMerge[idx]
	m.doc.PendingMerge = append(m.doc.PendingMerge[:idx], m.doc.PendingMerge[idx+1:]...)
	m.doc.MergeHistory = append(m.doc.MergeHistory, MergeHistoryEntry{
		PendingMergeEntry: pending,
		MergeCommitSHA:    mergeCommitSHA,
		MergedAt:          time.Now().UTC(),
	})
	return m.save()
}

// RollbackToReady moves branch from pending_merge back to ready — the
// Open Question (i) resolution for rebase failure (see DESIGN.md): rather
// than leaving a stale pending_merge entry with a broken rebase, the entry
// is returned to ready so the Director retries the full integrate cycle.
func (m *Manager) RollbackToReady(branch string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, e := range m.doc.PendingMerge {
		if e.Branch == branch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return m.reject(branch, "not in pending_merge")
	}

	pending := m.doc.PendingMerge[idx]
	m.doc.PendingMerge = append(m.doc.PendingMerge[:idx], m.doc.PendingMerge[idx+1:]...)
	ready := pending.ReadyEntry
	ready.LastError = lastError
	m.doc.Ready = append(m.doc.Ready, ready)
	return m.save()
}

// SetLastError records a ready entry's failure and cooldown without moving
// it between containers (Director §4.6 step 4: "keep in ready with
// last_error and an exponential cooldown").
func (m *Manager) SetLastError(branch string, errMsg string, cooldownUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.doc.Ready {
		if m.doc.Ready[i].Branch == branch {
			m.doc.Ready[i].LastError = errMsg
			m.doc.Ready[i].CooldownUntil = &cooldownUntil
			m.doc.Ready[i].Attempts++
			return m.save()
		}
	}
	return m.reject(branch, "not in ready")
}

// Get returns the entry for branch in whichever container holds it, or
// false if branch is in none.
func (m *Manager) Get(branch string) (any, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.doc.Ready {
		if e.Branch == branch {
			return e, BranchReady, true
		}
	}
	for _, e := range m.doc.PendingMerge {
		if e.Branch == branch {
			return e, BranchPendingMerge, true
		}
	}
	for _, e := range m.doc.MergeHistory {
		if e.Branch == branch {
			return e, BranchMergeHistory, true
		}
	}
	return nil, "", false
}

// ListReady returns a snapshot of the ready container.
func (m *Manager) ListReady() []ReadyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReadyEntry, len(m.doc.Ready))
	copy(out, m.doc.Ready)
	return out
}

// ListPendingMerge returns a snapshot of the pending_merge container.
func (m *Manager) ListPendingMerge() []PendingMergeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingMergeEntry, len(m.doc.PendingMerge))
	copy(out, m.doc.PendingMerge)
	return out
}

// ListMergeHistory returns a snapshot of the merge_history container.
func (m *Manager) ListMergeHistory() []MergeHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MergeHistoryEntry, len(m.doc.MergeHistory))
	copy(out, m.doc.MergeHistory)
	return out
}

// IsInMergeHistory reports whether branch has already landed, used by the
// Director's dependency gate.
func (m *Manager) IsInMergeHistory(branch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.doc.MergeHistory {
		if e.Branch == branch {
			return true
		}
	}
	return false
}
