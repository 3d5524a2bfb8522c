// Package agent defines the quality-agent configuration and result shapes
// shared by the runner, quality pipeline, and integrator's conflict agent,
// plus the Model Factory that resolves a provider name to an LLM endpoint.
package agent

// Role configures one quality agent: what it's told, what model answers,
// and what tools it may call.
type Role struct {
	Name           string   `json:"name"`
	SystemPrompt   string   `json:"system_prompt"`
	Model          string   `json:"model"`
	Provider       string   `json:"provider"`
	Tools          []string `json:"tools"`
	MaxTurns       int      `json:"max_turns"`
	ContextDocs    []string `json:"context_docs,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

// Status values for an AgentResult.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
	StatusError  = "error"
)

// Finding is one issue (or informational note) an agent surfaces.
type Finding struct {
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	File           string `json:"file,omitempty"`
	Line           int    `json:"line,omitempty"`
	FixApplied     bool   `json:"fix_applied"`
	FixDescription string `json:"fix_description,omitempty"`
}

// TokenUsage records input/output token counts for one agent run.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ResultMetadata carries the bookkeeping around an agent run, not its
// verdict.
type ResultMetadata struct {
	DurationMs int        `json:"duration_ms"`
	TurnsUsed  int        `json:"turns_used"`
	TokensUsed TokenUsage `json:"tokens_used"`
	Model      string     `json:"model"`
	Provider   string     `json:"provider"`
}

// Result is the final, parsed verdict of one agent's chat loop.
type Result struct {
	Agent        string         `json:"agent"`
	Status       string         `json:"status"`
	Findings     []Finding      `json:"findings"`
	FixesApplied int            `json:"fixes_applied"`
	Metadata     ResultMetadata `json:"metadata"`
}

// HasFixableFindings reports whether any finding was left unfixed, which is
// what makes a failed result eligible for the correction cycle.
func (r *Result) HasFixableFindings() bool {
	for _, f := range r.Findings {
		if !f.FixApplied {
			return true
		}
	}
	return false
}
