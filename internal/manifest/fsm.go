package manifest

import "github.com/forgepipe/conductor/internal/fsm"

// Branch status values. "running" precedes manifest membership (a pipeline
// is still executing); "ready", "pending_merge", and "merge_history" are the
// three manifest containers; "removed" is a terminal sink for branches
// dropped before ever reaching the manifest (e.g. pipeline failed).
const (
	BranchRunning      = "running"
	BranchReady        = "ready"
	BranchPendingMerge = "pending_merge"
	BranchMergeHistory = "merge_history"
	BranchRemoved      = "removed"
)

// StatusFSM declares the branch-container transition table (spec §3.3).
// A pending_merge entry may loop back onto itself (rebase), roll back to
// ready (Open Question (i): rebase failure), or land in merge_history.
var StatusFSM = fsm.New(fsm.Transitions[string]{
	BranchRunning: {
		BranchReady:   true,
		BranchRemoved: true,
	},
	BranchReady: {
		BranchPendingMerge: true,
	},
	BranchPendingMerge: {
		BranchPendingMerge: true,
		BranchReady:        true,
		BranchMergeHistory: true,
	},
})
