package manifest

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "manifest.json"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAddToReady_DefaultsPriority(t *testing.T) {
	m := newTestManager(t)
	if err := m.AddToReady(ReadyEntry{Branch: "feat-a", ReadyAt: time.Now()}); err != nil {
		t.Fatalf("AddToReady: %v", err)
	}
	ready := m.ListReady()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready entry, got %d", len(ready))
	}
	if ready[0].Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", ready[0].Priority, DefaultPriority)
	}
}

func TestAddToReady_RejectsDuplicateBranch(t *testing.T) {
	m := newTestManager(t)
	_ = m.AddToReady(ReadyEntry{Branch: "feat-a"})
	if err := m.AddToReady(ReadyEntry{Branch: "feat-a"}); err == nil {
		t.Error("expected duplicate branch to be rejected")
	}
	if len(m.ListReady()) != 1 {
		t.Error("expected rejected mutation to leave manifest unchanged")
	}
}

func TestMoveToPendingMerge_MovesBranch(t *testing.T) {
	m := newTestManager(t)
	_ = m.AddToReady(ReadyEntry{Branch: "feat-a", Priority: 5})

	if err := m.MoveToPendingMerge("feat-a", "integration/feat-a", 42, "https://example.com/pr/42", 0); err != nil {
		t.Fatalf("MoveToPendingMerge: %v", err)
	}
	if len(m.ListReady()) != 0 {
		t.Error("expected branch removed from ready")
	}
	pending := m.ListPendingMerge()
	if len(pending) != 1 || pending[0].PRNumber != 42 {
		t.Fatalf("unexpected pending_merge state: %+v", pending)
	}
	if pending[0].Priority != 5 {
		t.Errorf("expected ready-entry fields preserved, Priority = %d", pending[0].Priority)
	}
}

func TestMoveToPendingMerge_RejectsUnknownBranch(t *testing.T) {
	m := newTestManager(t)
	if err := m.MoveToPendingMerge("ghost", "integration/ghost", 1, "", 0); err == nil {
		t.Error("expected error moving a branch not in ready")
	}
}

func TestMoveToMergeHistory_MovesBranch(t *testing.T) {
	m := newTestManager(t)
	_ = m.AddToReady(ReadyEntry{Branch: "feat-a"})
	_ = m.MoveToPendingMerge("feat-a", "integration/feat-a", 1, "", 0)

	if err := m.MoveToMergeHistory("feat-a", "abc123"); err != nil {
		t.Fatalf("MoveToMergeHistory: %v", err)
	}
	if len(m.ListPendingMerge()) != 0 {
		t.Error("expected branch removed from pending_merge")
	}
	if !m.IsInMergeHistory("feat-a") {
		t.Error("expected branch to be in merge_history")
	}
}

func TestRollbackToReady_MovesBranchBackWithError(t *testing.T) {
	m := newTestManager(t)
	_ = m.AddToReady(ReadyEntry{Branch: "feat-a"})
	_ = m.MoveToPendingMerge("feat-a", "integration/feat-a", 1, "", 0)

	if err := m.RollbackToReady("feat-a", "rebase failed"); err != nil {
		t.Fatalf("RollbackToReady: %v", err)
	}
	ready := m.ListReady()
	if len(ready) != 1 || ready[0].LastError != "rebase failed" {
		t.Fatalf("unexpected ready state: %+v", ready)
	}
	if len(m.ListPendingMerge()) != 0 {
		t.Error("expected branch removed from pending_merge")
	}
}

func TestSetLastError_RecordsCooldown(t *testing.T) {
	m := newTestManager(t)
	_ = m.AddToReady(ReadyEntry{Branch: "feat-a"})

	until := time.Now().Add(time.Minute)
	if err := m.SetLastError("feat-a", "push rejected", until); err != nil {
		t.Fatalf("SetLastError: %v", err)
	}
	ready := m.ListReady()
	if ready[0].LastError != "push rejected" {
		t.Errorf("LastError = %q", ready[0].LastError)
	}
	if ready[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", ready[0].Attempts)
	}
}

func TestInvariant_BranchOccupiesExactlyOneContainer(t *testing.T) {
	m := newTestManager(t)
	_ = m.AddToReady(ReadyEntry{Branch: "feat-a"})
	_ = m.MoveToPendingMerge("feat-a", "integration/feat-a", 1, "", 0)

	// Attempting to add it to ready again while it's mid-merge must fail.
	if err := m.AddToReady(ReadyEntry{Branch: "feat-a"}); err == nil {
		t.Error("expected re-adding a pending_merge branch to ready to be rejected")
	}
}

func TestNewManager_LoadsExistingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m1, err := NewManager(path, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_ = m1.AddToReady(ReadyEntry{Branch: "feat-a"})

	m2, err := NewManager(path, nil)
	if err != nil {
		t.Fatalf("NewManager (reload): %v", err)
	}
	if len(m2.ListReady()) != 1 {
		t.Error("expected reloaded manager to see the persisted ready entry")
	}
}
