package vcs

import (
	"strings"
	"testing"
)

type mockGit struct {
	calls   []gitCall
	results []mockResult
	idx     int
}

type gitCall struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Output string
	Err    error
}

func (m *mockGit) Run(dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.Output, r.Err
}

func assertArgs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", got, want)
	}
}

func TestWorktreeManager_Create_HappyPath(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: ""}, // fetch origin
			{Output: ""}, // worktree add
		},
	}

	mgr := NewWorktreeManager(git, "/repo", "/repo/worktrees")
	result, err := mgr.Create(CreateOpts{Branch: "pipeline/feat-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Path != "/repo/worktrees/pipeline/feat-a" {
		t.Errorf("expected path /repo/worktrees/pipeline/feat-a, got %q", result.Path)
	}
	if result.Branch != "pipeline/feat-a" {
		t.Errorf("expected branch pipeline/feat-a, got %q", result.Branch)
	}
	if len(git.calls) != 2 {
		t.Fatalf("expected 2 git calls, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[1].Args, "worktree", "add", "/repo/worktrees/pipeline/feat-a", "-b", "pipeline/feat-a", "origin/main")
}

func TestWorktreeManager_Create_BranchExists(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: ""},
			{Err: errAlreadyExists},
			{Output: ""},
		},
	}
	mgr := NewWorktreeManager(git, "/repo", "/repo/worktrees")
	result, err := mgr.Create(CreateOpts{Branch: "pipeline/feat-b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Branch != "pipeline/feat-b" {
		t.Errorf("branch = %q", result.Branch)
	}
	if len(git.calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(git.calls))
	}
}

func TestWorktreeManager_Remove_ProtectsMain(t *testing.T) {
	git := &mockGit{}
	mgr := NewWorktreeManager(git, "/repo", "/repo/worktrees")
	if err := mgr.Remove("main", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range git.calls {
		if len(c.Args) > 0 && c.Args[0] == "branch" {
			t.Fatalf("should not delete main branch, got call %v", c.Args)
		}
	}
}

func TestWorktreeManager_MergeNoFF_ConflictDetection(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Err: errMergeConflict},
			{Output: "src/a.go\nsrc/b.go"},
		},
	}
	mgr := NewWorktreeManager(git, "/repo", "/repo/worktrees")
	conflicts, err := mgr.MergeNoFF("/repo/worktrees/pipeline/feat-a", "pipeline/feat-a")
	if err != nil {
		t.Fatalf("expected conflict list, not error: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %v", conflicts)
	}
}

func TestWorktreeManager_MergeNoFF_CleanMerge(t *testing.T) {
	git := &mockGit{results: []mockResult{{Output: ""}}}
	mgr := NewWorktreeManager(git, "/repo", "/repo/worktrees")
	conflicts, err := mgr.MergeNoFF("/repo/worktrees/pipeline/feat-a", "pipeline/feat-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conflicts != nil {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
}

func TestSanitizeBranch(t *testing.T) {
	cases := map[string]string{
		"pipeline/feat a":  "pipeline/feat-a",
		"  --weird--":      "weird",
		"feature/issue-42": "feature/issue-42",
	}
	for in, want := range cases {
		if got := sanitizeBranch(in); got != want {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", in, got, want)
		}
	}
}

var errAlreadyExists = fakeErr("fatal: a branch named 'pipeline/feat-b' already exists")
var errMergeConflict = fakeErr("exit status 1")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
