package integrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgepipe/conductor/internal/agent"
)

// chatRunner is the subset of quality.Executor's contract the conflict
// agent needs; an interface so tests can fake it without a live model
// endpoint.
type chatRunner interface {
	Run(ctx context.Context, role agent.Role, systemPrompt, userPrompt, workDir string) (*agent.Result, error)
}

// ConflictAgent resolves merge/rebase conflicts by running a dedicated
// quality.Executor against the conflicted worktree and trusting it to stage
// a resolution.
type ConflictAgent struct {
	Executor chatRunner
	Role     agent.Role
}

const conflictSystemPrompt = `You resolve git merge conflicts. You will be given a worktree path and a
list of conflicted files. List the conflicted files, open each one, resolve
the conflict markers, preferring the incoming branch's changes when the two
sides contradict each other, then stage the resolution.`

// Resolve runs the conflict agent over worktreeDir's conflicted files.
// Success requires the agent's result to report a non-error status; a
// "failed" or "error" status (or an unreachable model endpoint) means the
// saga step itself fails and the saga compensates.
func (c *ConflictAgent) Resolve(ctx context.Context, worktreeDir string, conflictedFiles []string) error {
	if c == nil || c.Executor == nil {
		return fmt.Errorf("conflict agent not configured")
	}

	userPrompt := fmt.Sprintf("Conflicted files:\n%s", strings.Join(conflictedFiles, "\n"))
	result, err := c.Executor.Run(ctx, c.Role, conflictSystemPrompt, userPrompt, worktreeDir)
	if err != nil {
		return fmt.Errorf("conflict agent run: %w", err)
	}
	if result.Status == agent.StatusError || result.Status == agent.StatusFailed {
		return fmt.Errorf("conflict agent reported status %q", result.Status)
	}
	return nil
}
