package integrator

import (
	"context"
	"fmt"

	"github.com/forgepipe/conductor/internal/vcs"
)

func (in *Integrator) stepFetchMain(ctx context.Context, st *sagaState) error {
	main := in.cfg.mainBranch()
	if err := in.worktrees.Fetch(st.projectDir, "origin", main); err != nil {
		return fmt.Errorf("fetch %s: %w", main, err)
	}
	sha, err := in.worktrees.CurrentSHA(st.projectDir, "origin/"+main)
	if err != nil {
		return fmt.Errorf("resolve origin/%s sha: %w", main, err)
	}
	st.baseSHA = sha
	return nil
}

func (in *Integrator) stepCreateIntegrationBranch(ctx context.Context, st *sagaState) error {
	main := in.cfg.mainBranch()
	// Best-effort: drop any stale worktree/branch left over from a prior
	// failed attempt before branching fresh from origin/main.
	_ = in.worktrees.Remove(st.integrationBranch, true)

	result, err := in.worktrees.Create(vcs.CreateOpts{Branch: st.integrationBranch, FromBranch: "origin/" + main})
	if err != nil {
		return fmt.Errorf("create integration branch: %w", err)
	}
	st.worktreePath = result.Path
	return nil
}

func (in *Integrator) compensateCreateIntegrationBranch(ctx context.Context, st *sagaState) error {
	main := in.cfg.mainBranch()
	if st.worktreePath != "" {
		_ = in.worktrees.CheckoutMain(st.worktreePath, main)
	}
	return in.worktrees.Remove(st.integrationBranch, true)
}

func (in *Integrator) stepMergePipeline(ctx context.Context, st *sagaState) error {
	conflicts, err := in.worktrees.MergeNoFF(st.worktreePath, st.pipelineBranch)
	if err != nil {
		return fmt.Errorf("merge %s: %w", st.pipelineBranch, err)
	}
	if len(conflicts) == 0 {
		return nil
	}

	in.publish(st.entry.RequestID, "integration.conflict.detected", map[string]any{
		"conflicted_files": conflicts,
		"count":            len(conflicts),
	})

	if in.conflict == nil {
		return fmt.Errorf("merge conflicts in %v and no conflict agent configured", conflicts)
	}

	resolve := func(ctx context.Context) error {
		return in.conflict.Resolve(ctx, st.worktreePath, conflicts)
	}
	if in.claudeBreaker != nil {
		resolve = func(ctx context.Context) error {
			return in.claudeBreaker.Execute(ctx, func(ctx context.Context) error {
				return in.conflict.Resolve(ctx, st.worktreePath, conflicts)
			})
		}
	}
	if err := resolve(ctx); err != nil {
		return fmt.Errorf("conflict agent: %w", err)
	}
	if err := in.worktrees.CommitAll(st.worktreePath, fmt.Sprintf("merge %s (conflicts resolved)", st.pipelineBranch)); err != nil {
		return fmt.Errorf("commit conflict resolution: %w", err)
	}

	st.conflictsResolved = len(conflicts)
	in.publish(st.entry.RequestID, "integration.conflict.resolved", map[string]any{"count": len(conflicts)})
	return nil
}

func (in *Integrator) compensateMergePipeline(ctx context.Context, st *sagaState) error {
	return in.worktrees.AbortMerge(st.worktreePath)
}

func (in *Integrator) stepPushBranch(ctx context.Context, st *sagaState) error {
	push := func(ctx context.Context) error {
		return in.worktrees.PushForceWithLease(st.worktreePath, st.integrationBranch)
	}
	if in.githubBreaker == nil {
		return push(ctx)
	}
	return in.githubBreaker.Execute(ctx, push)
}

func (in *Integrator) compensatePushBranch(ctx context.Context, st *sagaState) error {
	return in.worktrees.PushDelete(st.worktreePath, st.integrationBranch)
}

func (in *Integrator) stepCreatePR(ctx context.Context, st *sagaState) error {
	create := func(ctx context.Context) error {
		result, err := in.github.CreatePR(vcs.PRCreateOpts{
			Title: fmt.Sprintf("Integrate %s", st.entry.Branch),
			Body:  fmt.Sprintf("Automated integration of `%s`.", st.entry.Branch),
			Head:  st.integrationBranch,
			Base:  in.cfg.mainBranch(),
		})
		if err != nil {
			return err
		}
		st.prNumber = result.Number
		st.prURL = result.URL
		return nil
	}
	if in.githubBreaker == nil {
		return create(ctx)
	}
	return in.githubBreaker.Execute(ctx, create)
}

func (in *Integrator) stepCheckoutMain(ctx context.Context, st *sagaState) error {
	return in.worktrees.CheckoutMain(st.worktreePath, in.cfg.mainBranch())
}
