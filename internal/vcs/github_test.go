package vcs

import "testing"

type mockCmd struct {
	calls   [][]string
	results []mockCmdResult
	idx     int
}

type mockCmdResult struct {
	output string
	err    error
}

func (m *mockCmd) Run(args ...string) (string, error) {
	m.calls = append(m.calls, args)
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

func TestCreatePR_ParsesNumberFromURL(t *testing.T) {
	cmd := &mockCmd{results: []mockCmdResult{{output: "https://github.com/acme/widgets/pull/42"}}}
	client := NewGitHubClient(cmd)

	result, err := client.CreatePR(PRCreateOpts{Title: "t", Body: "b", Head: "integration/feat-a", Base: "main"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Number != 42 {
		t.Errorf("expected PR number 42, got %d", result.Number)
	}
	if result.URL != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("unexpected URL %q", result.URL)
	}
	assertArgs(t, cmd.calls[0], "pr", "create", "--title", "t", "--body", "b", "--head", "integration/feat-a", "--base", "main")
}

func TestMergePR_DefaultsToSquash(t *testing.T) {
	cmd := &mockCmd{}
	client := NewGitHubClient(cmd)
	if err := client.MergePR("integration/feat-a", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertArgs(t, cmd.calls[0], "pr", "merge", "integration/feat-a", "--squash", "--delete-branch")
}

func TestMergePR_PropagatesError(t *testing.T) {
	cmd := &mockCmd{results: []mockCmdResult{{err: errMergeConflict}}}
	client := NewGitHubClient(cmd)
	if err := client.MergePR("integration/feat-a", "squash"); err == nil {
		t.Fatal("expected error")
	}
}
