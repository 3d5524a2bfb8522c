package integrator

import (
	"context"
	"fmt"
)

// Rebase replays a pending-merge entry's integration branch onto the new
// main sha after drift is detected. Any abort path runs rebase --abort and
// checkout main unconditionally, so a failed rebase never leaves the
// worktree mid-operation.
func (in *Integrator) Rebase(ctx context.Context, entry PendingEntry, projectDir string, newMainSHA string) (*RebaseResult, error) {
	main := in.cfg.mainBranch()
	worktreePath := in.worktrees.Path(entry.IntegrationBranch)

	if err := in.worktrees.Fetch(projectDir, "origin", main); err != nil {
		return in.rebaseFailure(entry, fmt.Errorf("fetch %s: %w", main, err))
	}

	conflicts, rebaseErr := in.worktrees.RebaseOnto(worktreePath, "origin/"+main)
	if rebaseErr != nil {
		_ = in.worktrees.AbortRebase(worktreePath)
		_ = in.worktrees.CheckoutMain(worktreePath, main)
		return in.rebaseFailure(entry, fmt.Errorf("rebase onto origin/%s: %w", main, rebaseErr))
	}

	resolved := 0
	if len(conflicts) > 0 {
		in.publish(entry.RequestID, "integration.conflict.detected", map[string]any{
			"conflicted_files": conflicts,
			"count":            len(conflicts),
		})

		if err := in.resolveRebaseConflicts(ctx, worktreePath, conflicts); err != nil {
			_ = in.worktrees.AbortRebase(worktreePath)
			_ = in.worktrees.CheckoutMain(worktreePath, main)
			return in.rebaseFailure(entry, fmt.Errorf("conflict agent: %w", err))
		}
		if err := in.worktrees.StageAll(worktreePath); err != nil {
			_ = in.worktrees.AbortRebase(worktreePath)
			_ = in.worktrees.CheckoutMain(worktreePath, main)
			return in.rebaseFailure(entry, fmt.Errorf("stage resolution: %w", err))
		}
		if err := in.worktrees.RebaseContinue(worktreePath); err != nil {
			_ = in.worktrees.AbortRebase(worktreePath)
			_ = in.worktrees.CheckoutMain(worktreePath, main)
			return in.rebaseFailure(entry, fmt.Errorf("rebase --continue: %w", err))
		}
		resolved = len(conflicts)
		in.publish(entry.RequestID, "integration.conflict.resolved", map[string]any{"count": resolved})
	}

	push := func(ctx context.Context) error {
		return in.worktrees.PushForceWithLease(worktreePath, entry.IntegrationBranch)
	}
	var pushErr error
	if in.githubBreaker != nil {
		pushErr = in.githubBreaker.Execute(ctx, push)
	} else {
		pushErr = push(ctx)
	}
	if pushErr != nil {
		_ = in.worktrees.CheckoutMain(worktreePath, main)
		return in.rebaseFailure(entry, fmt.Errorf("push --force-with-lease: %w", pushErr))
	}

	_ = in.worktrees.CheckoutMain(worktreePath, main)

	in.publish(entry.RequestID, "integration.pr.rebased", map[string]any{
		"pr_number":          entry.PRNumber,
		"integration_branch": entry.IntegrationBranch,
	})
	return &RebaseResult{Success: true, ConflictsResolved: resolved}, nil
}

func (in *Integrator) resolveRebaseConflicts(ctx context.Context, worktreeDir string, conflicts []string) error {
	if in.conflict == nil {
		return fmt.Errorf("rebase conflicts in %v and no conflict agent configured", conflicts)
	}
	resolve := func(ctx context.Context) error {
		return in.conflict.Resolve(ctx, worktreeDir, conflicts)
	}
	if in.claudeBreaker != nil {
		return in.claudeBreaker.Execute(ctx, resolve)
	}
	return resolve(ctx)
}

func (in *Integrator) rebaseFailure(entry PendingEntry, err error) (*RebaseResult, error) {
	in.publish(entry.RequestID, "integration.pr.rebase_failed", map[string]any{"error": err.Error()})
	return &RebaseResult{Success: false, Error: err.Error()}, nil
}
