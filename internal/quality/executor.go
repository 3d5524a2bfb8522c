package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgepipe/conductor/internal/agent"
	"github.com/forgepipe/conductor/internal/tools"
)

// Executor drives a single agent's OpenAI-style chat loop: send, dispatch
// any requested tool calls locally, loop until the model answers without
// calling a tool or maxTurns is exceeded, then parse the final message into
// an agent.Result.
type Executor struct {
	Client   ChatClient
	Factory  *agent.ModelFactory
	Registry *tools.Registry
}

// Run executes role's chat loop against workDir and returns its parsed
// result. A non-nil error means the loop itself could not complete (e.g.
// the model endpoint is unreachable); a terminated-but-unparseable response
// is not an error — it is recorded as a single info finding per spec
// semantics.
func (e *Executor) Run(ctx context.Context, role agent.Role, systemPrompt, userPrompt, workDir string) (*agent.Result, error) {
	endpoint, err := e.Factory.Resolve(role)
	if err != nil {
		return nil, fmt.Errorf("quality: resolve model: %w", err)
	}

	schemas := make([]toolSchema, 0, len(e.Registry.Specs()))
	for _, spec := range e.Registry.Specs() {
		schemas = append(schemas, toolSchema{Type: "function", Function: spec})
	}

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	start := time.Now()
	maxTurns := role.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	var last ChatResponse
	turns := 0
	for turns < maxTurns {
		turns++
		resp, err := e.Client.Complete(ctx, endpoint, ChatRequest{Model: endpoint.ModelID, Messages: messages, Tools: schemas})
		if err != nil {
			return nil, fmt.Errorf("quality: chat turn %d: %w", turns, err)
		}
		last = resp
		messages = append(messages, resp.Message)

		if resp.FinishReason != "tool_calls" || len(resp.Message.ToolCalls) == 0 {
			break
		}
		for _, call := range resp.Message.ToolCalls {
			output, toolErr := e.Registry.Dispatch(ctx, workDir, call.Function.Name, call.Function.Arguments)
			if toolErr != nil {
				output = fmt.Sprintf("error: %v", toolErr)
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
	}

	result := parseResult(role.Name, last.Message.Content)
	result.Metadata.DurationMs = int(time.Since(start).Milliseconds())
	result.Metadata.TurnsUsed = turns
	result.Metadata.Model = endpoint.ModelID
	result.Metadata.Provider = endpoint.Provider
	return result, nil
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseResult parses a final chat message as JSON (fenced or raw) into an
// agent.Result. Unstructured output becomes a single info finding rather
// than an error, matching the loop's terminate-gracefully contract.
func parseResult(agentName, content string) *agent.Result {
	candidate := content
	if m := fencedJSONRe.FindStringSubmatch(content); len(m) == 2 {
		candidate = m[1]
	}
	candidate = strings.TrimSpace(candidate)

	var result agent.Result
	if err := json.Unmarshal([]byte(candidate), &result); err == nil && result.Status != "" {
		if result.Agent == "" {
			result.Agent = agentName
		}
		return &result
	}

	return &agent.Result{
		Agent:  agentName,
		Status: agent.StatusPassed,
		Findings: []agent.Finding{
			{Severity: "info", Description: content},
		},
	}
}
