package quality

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgepipe/conductor/internal/agent"
)

// AutoCorrectionConfig mirrors the auto_correction config tree: how many
// correction rounds to attempt and the backoff between them.
type AutoCorrectionConfig struct {
	MaxAttempts int
	BaseMs      int
	Factor      float64
}

// AgentSpec is one agent's role plus the prompts and worktree it runs
// against for this pipeline run.
type AgentSpec struct {
	Role    agent.Role
	System  string
	User    string
	WorkDir string
}

// Result is the quality pipeline's run() contract: every agent's result,
// what corrections were applied, and the aggregated status.
type Result struct {
	AgentResults       []*agent.Result
	CorrectionsApplied []string
	OverallStatus      string
}

// Pipeline fans one Executor out per agent and drives the correction cycle.
type Pipeline struct {
	Executor   *Executor
	Correction AutoCorrectionConfig
}

// Run executes every agent spec in parallel, then re-runs any agent that
// failed with fixable findings up to Correction.MaxAttempts times with
// exponential backoff between rounds. onRound, if non-nil, is called once
// before each correction round begins, letting the caller surface a
// correcting status for the duration of the cycle.
func (p *Pipeline) Run(ctx context.Context, specs []AgentSpec, onRound func(attempt int)) (*Result, error) {
	results, err := p.runAll(ctx, specs)
	if err != nil {
		return nil, err
	}

	var correctionsApplied []string
	attempt := 0
	bo := p.newBackoff()

	for attempt < p.Correction.MaxAttempts {
		toRerun := fixableSpecs(specs, results)
		if len(toRerun) == 0 {
			break
		}
		attempt++
		if onRound != nil {
			onRound(attempt)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		rerun, err := p.runAll(ctx, toRerun)
		if err != nil {
			return nil, err
		}
		for i, spec := range toRerun {
			results[indexOf(specs, spec)] = rerun[i]
			correctionsApplied = append(correctionsApplied, spec.Role.Name)
		}
	}

	return &Result{
		AgentResults:       results,
		CorrectionsApplied: correctionsApplied,
		OverallStatus:      aggregateStatus(results),
	}, nil
}

func (p *Pipeline) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	base := time.Duration(p.Correction.BaseMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	bo.InitialInterval = base
	factor := p.Correction.Factor
	if factor <= 0 {
		factor = 2
	}
	bo.Multiplier = factor
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed wall time
	return bo
}

func (p *Pipeline) runAll(ctx context.Context, specs []AgentSpec) ([]*agent.Result, error) {
	results := make([]*agent.Result, len(specs))
	errs := make([]error, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec AgentSpec) {
			defer wg.Done()
			result, err := p.Executor.Run(ctx, spec.Role, spec.System, spec.User, spec.WorkDir)
			results[i] = result
			errs[i] = err
		}(i, spec)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func fixableSpecs(specs []AgentSpec, results []*agent.Result) []AgentSpec {
	var out []AgentSpec
	for i, r := range results {
		if r.Status == agent.StatusFailed && r.HasFixableFindings() {
			out = append(out, specs[i])
		}
	}
	return out
}

func indexOf(specs []AgentSpec, target AgentSpec) int {
	for i, s := range specs {
		if s.Role.Name == target.Role.Name {
			return i
		}
	}
	return -1
}

// aggregateStatus determines overallStatus: error > failed > passed.
func aggregateStatus(results []*agent.Result) string {
	status := agent.StatusPassed
	for _, r := range results {
		switch r.Status {
		case agent.StatusError:
			return agent.StatusError
		case agent.StatusFailed:
			status = agent.StatusFailed
		}
	}
	return status
}
