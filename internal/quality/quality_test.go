package quality

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/forgepipe/conductor/internal/agent"
	"github.com/forgepipe/conductor/internal/tools"
)

type scriptedClient struct {
	responses []ChatResponse
	idx       int
	calls     []ChatRequest
}

func (c *scriptedClient) Complete(ctx context.Context, endpoint agent.Endpoint, req ChatRequest) (ChatResponse, error) {
	c.calls = append(c.calls, req)
	if c.idx >= len(c.responses) {
		return ChatResponse{}, nil
	}
	r := c.responses[c.idx]
	c.idx++
	return r, nil
}

func testFactory() *agent.ModelFactory {
	return agent.NewModelFactory(map[string]agent.ProviderConfig{
		"test": {BaseURL: "http://localhost", APIKey: "k"},
	}, "test", "")
}

func TestExecutor_ParsesStructuredResult(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{FinishReason: "stop", Message: Message{Role: "assistant", Content: `{"agent":"tests","status":"passed","findings":[],"fixes_applied":0,"metadata":{}}`}},
	}}
	ex := &Executor{Client: client, Factory: testFactory(), Registry: tools.NewRegistry()}

	result, err := ex.Run(context.Background(), agent.Role{Name: "tests", MaxTurns: 3}, "sys", "user", "/work")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != agent.StatusPassed {
		t.Errorf("Status = %q, want passed", result.Status)
	}
	if result.Metadata.TurnsUsed != 1 {
		t.Errorf("TurnsUsed = %d, want 1", result.Metadata.TurnsUsed)
	}
}

func TestExecutor_ParsesFencedJSON(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{FinishReason: "stop", Message: Message{Content: "here you go\n```json\n{\"agent\":\"style\",\"status\":\"failed\",\"findings\":[{\"severity\":\"warning\",\"description\":\"x\"}]}\n```\n"}},
	}}
	ex := &Executor{Client: client, Factory: testFactory(), Registry: tools.NewRegistry()}

	result, err := ex.Run(context.Background(), agent.Role{Name: "style", MaxTurns: 1}, "sys", "user", "/work")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != agent.StatusFailed || len(result.Findings) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestExecutor_UnstructuredOutputBecomesInfoFinding(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{FinishReason: "stop", Message: Message{Content: "looks fine to me"}},
	}}
	ex := &Executor{Client: client, Factory: testFactory(), Registry: tools.NewRegistry()}

	result, err := ex.Run(context.Background(), agent.Role{Name: "tests", MaxTurns: 1}, "sys", "user", "/work")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Findings) != 1 || result.Findings[0].Severity != "info" {
		t.Errorf("result.Findings = %+v, want one info finding", result.Findings)
	}
}

func TestExecutor_DispatchesToolCallsThenTerminates(t *testing.T) {
	reg := tools.NewRegistry(&tools.ReadTool{})
	client := &scriptedClient{responses: []ChatResponse{
		{
			FinishReason: "tool_calls",
			Message: Message{
				Role: "assistant",
				ToolCalls: []ToolCall{
					{ID: "call-1", Type: "function", Function: FunctionCall{Name: "read", Arguments: json.RawMessage(`{"path":"missing.txt"}`)}},
				},
			},
		},
		{FinishReason: "stop", Message: Message{Content: `{"agent":"tests","status":"passed"}`}},
	}}
	ex := &Executor{Client: client, Factory: testFactory(), Registry: reg}

	result, err := ex.Run(context.Background(), agent.Role{Name: "tests", MaxTurns: 5}, "sys", "user", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Metadata.TurnsUsed != 2 {
		t.Errorf("TurnsUsed = %d, want 2 (one tool round, one final answer)", result.Metadata.TurnsUsed)
	}
	// The second request should carry the tool result message.
	if len(client.calls) != 2 {
		t.Fatalf("expected 2 chat calls, got %d", len(client.calls))
	}
	foundToolMsg := false
	for _, m := range client.calls[1].Messages {
		if m.Role == "tool" && m.ToolCallID == "call-1" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Error("expected a tool-role message echoing the dispatched call")
	}
}

func TestExecutor_StopsAtMaxTurns(t *testing.T) {
	reg := tools.NewRegistry(&tools.ReadTool{})
	toolResp := ChatResponse{
		FinishReason: "tool_calls",
		Message: Message{
			ToolCalls: []ToolCall{{ID: "c", Function: FunctionCall{Name: "read", Arguments: json.RawMessage(`{"path":"x"}`)}}},
		},
	}
	client := &scriptedClient{responses: []ChatResponse{toolResp, toolResp, toolResp}}
	ex := &Executor{Client: client, Factory: testFactory(), Registry: reg}

	result, err := ex.Run(context.Background(), agent.Role{Name: "tests", MaxTurns: 2}, "sys", "user", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Metadata.TurnsUsed != 2 {
		t.Errorf("TurnsUsed = %d, want 2 (stopped at MaxTurns)", result.Metadata.TurnsUsed)
	}
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		statuses []string
		want     string
	}{
		{[]string{agent.StatusPassed, agent.StatusPassed}, agent.StatusPassed},
		{[]string{agent.StatusPassed, agent.StatusFailed}, agent.StatusFailed},
		{[]string{agent.StatusFailed, agent.StatusError}, agent.StatusError},
	}
	for _, c := range cases {
		var results []*agent.Result
		for _, s := range c.statuses {
			results = append(results, &agent.Result{Status: s})
		}
		if got := aggregateStatus(results); got != c.want {
			t.Errorf("aggregateStatus(%v) = %q, want %q", c.statuses, got, c.want)
		}
	}
}

func TestPipeline_CorrectionCycleRerunsFixableFailures(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		// first pass: style fails with an unfixed finding
		{FinishReason: "stop", Message: Message{Content: `{"agent":"style","status":"failed","findings":[{"severity":"warning","description":"x","fix_applied":false}]}`}},
		// correction round: style passes
		{FinishReason: "stop", Message: Message{Content: `{"agent":"style","status":"passed"}`}},
	}}
	pipeline := &Pipeline{
		Executor:   &Executor{Client: client, Factory: testFactory(), Registry: tools.NewRegistry()},
		Correction: AutoCorrectionConfig{MaxAttempts: 2, BaseMs: 1, Factor: 2},
	}

	result, err := pipeline.Run(context.Background(), []AgentSpec{
		{Role: agent.Role{Name: "style", MaxTurns: 1}, System: "sys", User: "user", WorkDir: "/work"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OverallStatus != agent.StatusPassed {
		t.Errorf("OverallStatus = %q, want passed after correction", result.OverallStatus)
	}
	if len(result.CorrectionsApplied) != 1 || result.CorrectionsApplied[0] != "style" {
		t.Errorf("CorrectionsApplied = %v, want [style]", result.CorrectionsApplied)
	}
}

func TestPipeline_OnRoundCallbackFiresPerCorrectionRound(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{FinishReason: "stop", Message: Message{Content: `{"agent":"style","status":"failed","findings":[{"severity":"warning","description":"x","fix_applied":false}]}`}},
		{FinishReason: "stop", Message: Message{Content: `{"agent":"style","status":"passed"}`}},
	}}
	pipeline := &Pipeline{
		Executor:   &Executor{Client: client, Factory: testFactory(), Registry: tools.NewRegistry()},
		Correction: AutoCorrectionConfig{MaxAttempts: 2, BaseMs: 1, Factor: 2},
	}

	var rounds []int
	_, err := pipeline.Run(context.Background(), []AgentSpec{
		{Role: agent.Role{Name: "style", MaxTurns: 1}, System: "sys", User: "user", WorkDir: "/work"},
	}, func(attempt int) { rounds = append(rounds, attempt) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rounds) != 1 || rounds[0] != 1 {
		t.Errorf("onRound calls = %v, want [1]", rounds)
	}
}

func TestPipeline_NoCorrectionWhenAllPass(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{FinishReason: "stop", Message: Message{Content: `{"agent":"tests","status":"passed"}`}},
	}}
	pipeline := &Pipeline{
		Executor:   &Executor{Client: client, Factory: testFactory(), Registry: tools.NewRegistry()},
		Correction: AutoCorrectionConfig{MaxAttempts: 2, BaseMs: 1, Factor: 2},
	}

	result, err := pipeline.Run(context.Background(), []AgentSpec{
		{Role: agent.Role{Name: "tests", MaxTurns: 1}, System: "sys", User: "user", WorkDir: "/work"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.CorrectionsApplied) != 0 {
		t.Errorf("CorrectionsApplied = %v, want none", result.CorrectionsApplied)
	}
	if len(client.calls) != 1 {
		t.Errorf("expected 1 chat call (no correction round), got %d", len(client.calls))
	}
}
