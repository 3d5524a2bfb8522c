package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forgepipe/conductor/internal/agent"
	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/pipeline"
	"github.com/forgepipe/conductor/internal/quality"
	"github.com/forgepipe/conductor/internal/tools"
	"github.com/forgepipe/conductor/internal/vcs"
)

type fakeGit struct {
	numstat string
}

func (g *fakeGit) Run(dir string, args ...string) (string, error) {
	if len(args) > 0 && args[0] == "diff" {
		return g.numstat, nil
	}
	return "", nil
}

type scriptedChatClient struct {
	content string
	calls   int
}

func (c *scriptedChatClient) Complete(ctx context.Context, endpoint agent.Endpoint, req quality.ChatRequest) (quality.ChatResponse, error) {
	c.calls++
	return quality.ChatResponse{
		FinishReason: "stop",
		Message:      quality.Message{Role: "assistant", Content: c.content},
	}, nil
}

type blockingChatClient struct {
	release chan struct{}
	content string
}

func (c *blockingChatClient) Complete(ctx context.Context, endpoint agent.Endpoint, req quality.ChatRequest) (quality.ChatResponse, error) {
	select {
	case <-c.release:
		return quality.ChatResponse{FinishReason: "stop", Message: quality.Message{Role: "assistant", Content: c.content}}, nil
	case <-ctx.Done():
		return quality.ChatResponse{}, ctx.Err()
	}
}

// roundGatedChatClient fails the first call with a fixable finding (forcing
// one correction round), then blocks the rerun until release is closed, so a
// test can observe the run sitting in the correcting status.
type roundGatedChatClient struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (c *roundGatedChatClient) Complete(ctx context.Context, endpoint agent.Endpoint, req quality.ChatRequest) (quality.ChatResponse, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	if first {
		return quality.ChatResponse{
			FinishReason: "stop",
			Message:      quality.Message{Role: "assistant", Content: `{"agent":"tests","status":"failed","findings":[{"severity":"high","description":"x","fix_applied":false}]}`},
		}, nil
	}

	select {
	case <-c.release:
	case <-ctx.Done():
		return quality.ChatResponse{}, ctx.Err()
	}
	return quality.ChatResponse{
		FinishReason: "stop",
		Message:      quality.Message{Role: "assistant", Content: `{"agent":"tests","status":"passed"}`},
	}, nil
}

func testRunner(t *testing.T, numstat, chatContent string) (*Runner, *eventbus.Bus) {
	t.Helper()
	return testRunnerWithClient(t, numstat, &scriptedChatClient{content: chatContent})
}

func testRunnerWithClient(t *testing.T, numstat string, client quality.ChatClient) (*Runner, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(filepath.Join(t.TempDir(), "events"), 2, nil)
	t.Cleanup(func() { bus.Close() })

	wt := vcs.NewWorktreeManager(&fakeGit{numstat: numstat}, t.TempDir(), t.TempDir())

	factory := agent.NewModelFactory(map[string]agent.ProviderConfig{
		"anthropic": {BaseURL: "http://localhost", APIKey: "test"},
	}, "anthropic", "")

	qp := &quality.Pipeline{
		Executor: &quality.Executor{
			Client:   client,
			Factory:  factory,
			Registry: tools.NewRegistry(),
		},
		Correction: quality.AutoCorrectionConfig{MaxAttempts: 1, BaseMs: 1},
	}

	cfg := Config{
		Tiers: TiersConfig{
			Small:  TierConfig{MaxFiles: 3, MaxLines: 50, Agents: []string{"tests"}},
			Medium: TierConfig{MaxFiles: 10, MaxLines: 300, Agents: []string{"tests", "style"}},
			Large:  TierConfig{Agents: []string{"tests", "style", "security"}},
		},
		AgentRoles: map[string]agent.Role{
			"tests": {Name: "tests", Provider: "anthropic", Model: "claude", MaxTurns: 1},
			"style": {Name: "style", Provider: "anthropic", Model: "claude", MaxTurns: 1},
		},
		MainBranch: "origin/main",
	}

	return New(cfg, bus, wt, qp, nil, nil), bus
}

type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) add(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func subscribeEventTypes(bus *eventbus.Bus) *eventRecorder {
	rec := &eventRecorder{}
	bus.On(rec.add)
	return rec
}

func waitForEventCount(t *testing.T, rec *eventRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(rec.snapshot()))
}

func waitForTerminal(t *testing.T, r *Runner, requestID string) *pipeline.PipelineState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := r.GetStatus(requestID); ok && st.IsTerminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for terminal status")
	return nil
}

func TestScenarioS1_SmallTierApproves(t *testing.T) {
	r, bus := testRunner(t, "5\t5\tfile_a.go\n3\t2\tfile_b.go\n", `{"agent":"tests","status":"passed","findings":[]}`)
	events := subscribeEventTypes(bus)

	req := pipeline.PipelineRequest{RequestID: "r1", Branch: "feat/a", WorktreePath: "/w/a"}
	state, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != pipeline.StatusAccepted {
		t.Fatalf("status = %s, want accepted", state.Status)
	}

	final := waitForTerminal(t, r, "r1")
	if final.Status != pipeline.StatusApproved {
		t.Fatalf("final status = %s, want approved", final.Status)
	}
	if final.Tier != pipeline.TierSmall {
		t.Fatalf("tier = %s, want small", final.Tier)
	}

	waitForEventCount(t, events, 4)

	var types []string
	for _, ev := range events.snapshot() {
		types = append(types, ev.EventType)
	}
	wantPrefix := []string{"pipeline.accepted", "pipeline.tier_classified", "pipeline.started", "pipeline.completed"}
	for i, want := range wantPrefix {
		if i >= len(types) || types[i] != want {
			t.Fatalf("events = %v, want prefix %v", types, wantPrefix)
		}
	}
}

func TestRun_FailedAgentMarksPipelineFailed(t *testing.T) {
	r, _ := testRunner(t, "1\t1\tfile.go\n", `{"agent":"tests","status":"failed","findings":[{"severity":"high","description":"bug","fix_applied":true}]}`)

	req := pipeline.PipelineRequest{RequestID: "r2", Branch: "feat/b", WorktreePath: "/w/b"}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := waitForTerminal(t, r, "r2")
	if final.Status != pipeline.StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
}

func TestRun_EmptyDiffApprovesWithNoAgentsDispatched(t *testing.T) {
	client := &scriptedChatClient{content: `{"agent":"tests","status":"passed"}`}
	r, bus := testRunnerWithClient(t, "", client)
	events := subscribeEventTypes(bus)

	req := pipeline.PipelineRequest{RequestID: "r-empty", Branch: "feat/empty", WorktreePath: "/w/empty"}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := waitForTerminal(t, r, "r-empty")
	if final.Status != pipeline.StatusApproved {
		t.Fatalf("final status = %s, want approved", final.Status)
	}

	waitForEventCount(t, events, 3)
	var types []string
	for _, ev := range events.snapshot() {
		types = append(types, ev.EventType)
	}
	want := []string{"pipeline.accepted", "pipeline.tier_classified", "pipeline.completed"}
	for i, w := range want {
		if i >= len(types) || types[i] != w {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	if client.calls != 0 {
		t.Fatalf("expected no chat calls for an empty diff, got %d", client.calls)
	}
}

func TestRun_GetStatusReportsCorrectingDuringCorrectionRound(t *testing.T) {
	client := &roundGatedChatClient{release: make(chan struct{})}
	r, _ := testRunnerWithClient(t, "1\t1\tfile.go\n", client)

	req := pipeline.PipelineRequest{RequestID: "r-correcting", Branch: "feat/correcting", WorktreePath: "/w/correcting"}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var sawCorrecting bool
	for time.Now().Before(deadline) {
		st, ok := r.GetStatus("r-correcting")
		if ok && st.Status == pipeline.StatusCorrecting {
			sawCorrecting = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawCorrecting {
		t.Fatal("GetStatus never reported correcting during the correction round")
	}

	close(client.release)

	final := waitForTerminal(t, r, "r-correcting")
	if final.Status != pipeline.StatusApproved {
		t.Fatalf("final status = %s, want approved", final.Status)
	}
}

func TestRun_ExplicitTierOverridesClassification(t *testing.T) {
	r, _ := testRunner(t, "100\t100\tfile.go\n", `{"agent":"tests","status":"passed","findings":[]}`)

	req := pipeline.PipelineRequest{
		RequestID:    "r3",
		Branch:       "feat/c",
		WorktreePath: "/w/c",
		Config:       pipeline.RequestConfig{Tier: pipeline.TierSmall},
	}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := waitForTerminal(t, r, "r3")
	if final.Tier != pipeline.TierSmall {
		t.Fatalf("tier = %s, want small (explicit override)", final.Tier)
	}
}

func TestStop_CancelsRunningRequest(t *testing.T) {
	client := &blockingChatClient{release: make(chan struct{})} // never released: forces the run to block until Stop cancels it
	r, _ := testRunnerWithClient(t, "1\t1\tfile.go\n", client)

	req := pipeline.PipelineRequest{RequestID: "r4", Branch: "feat/d", WorktreePath: "/w/d"}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Stop("r4"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	final := waitForTerminal(t, r, "r4")
	if final.Status != pipeline.StatusFailed {
		t.Fatalf("final status = %s, want failed (stopped)", final.Status)
	}
}

func TestStop_UnknownRequestErrors(t *testing.T) {
	r, _ := testRunner(t, "", "")
	if err := r.Stop("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown request id")
	}
}

func TestListAll_ReturnsOldestFirst(t *testing.T) {
	r, _ := testRunner(t, "1\t1\tfile.go\n", `{"agent":"tests","status":"passed","findings":[]}`)

	for i := 0; i < 3; i++ {
		req := pipeline.PipelineRequest{RequestID: fmt.Sprintf("list-%d", i), Branch: "feat/x", WorktreePath: "/w/x"}
		if _, err := r.Run(context.Background(), req); err != nil {
			t.Fatalf("Run: %v", err)
		}
		waitForTerminal(t, r, req.RequestID)
	}

	all := r.ListAll()
	if len(all) != 3 {
		t.Fatalf("ListAll returned %d entries, want 3", len(all))
	}
}

func TestTierClassifier_InclusiveBounds(t *testing.T) {
	tiers := TiersConfig{
		Small:  TierConfig{MaxFiles: 3, MaxLines: 50},
		Medium: TierConfig{MaxFiles: 3, MaxLines: 50},
		Large:  TierConfig{},
	}
	if got := ClassifyTier(tiers, 3, 50); got != pipeline.TierSmall {
		t.Errorf("ClassifyTier(3,50) = %s, want small (inclusive bound)", got)
	}
	if got := ClassifyTier(tiers, 4, 50); got != pipeline.TierLarge {
		t.Errorf("ClassifyTier(4,50) = %s, want large", got)
	}
}
