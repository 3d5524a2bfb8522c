// Package runner drives one pipeline request end to end: tier
// classification, quality-agent fan-out via internal/quality, and the
// lifecycle events that carry the request from accepted to a terminal
// status. It owns the in-memory bookkeeping (state, cancellation handle)
// that GetStatus/Stop/ListAll read and act on, pruning it the same way the
// teacher's Store.List sweeps its on-disk records.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/agent"
	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/metrics"
	"github.com/forgepipe/conductor/internal/pipeline"
	"github.com/forgepipe/conductor/internal/quality"
	"github.com/forgepipe/conductor/internal/resilience/breaker"
	"github.com/forgepipe/conductor/internal/vcs"
)

// Config is the runner's tuning, mirroring the top-level tiers/branch/
// pipeline_timeout_ms config tree.
type Config struct {
	Tiers             TiersConfig
	AgentRoles        map[string]agent.Role
	PipelineTimeoutMs int
	MainBranch        string // default base ref diffed against, e.g. "origin/main"
	RetentionSeconds  int    // default 60
	MaxRetained       int    // default 500
}

func (c Config) retention() time.Duration {
	if c.RetentionSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RetentionSeconds) * time.Second
}

func (c Config) maxRetained() int {
	if c.MaxRetained <= 0 {
		return 500
	}
	return c.MaxRetained
}

type trackedRun struct {
	state   *pipeline.PipelineState
	cancel  context.CancelFunc
	stopped bool // true once Stop was called manually
	pruneAt time.Time
}

// Runner executes pipeline requests. Zero value is not usable; construct
// with New.
type Runner struct {
	cfg        Config
	bus        *eventbus.Bus
	worktrees  *vcs.WorktreeManager
	quality    *quality.Pipeline
	llmBreaker *breaker.Breaker // wraps the quality pipeline's LLM calls; nil disables
	metrics    *metrics.Registry
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*trackedRun
}

// New builds a Runner. llmBreaker may be nil to run without circuit
// protection (e.g. in tests).
func New(cfg Config, bus *eventbus.Bus, worktrees *vcs.WorktreeManager, qp *quality.Pipeline, llmBreaker *breaker.Breaker, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		bus:        bus,
		worktrees:  worktrees,
		quality:    qp,
		llmBreaker: llmBreaker,
		logger:     logger,
		runs:       make(map[string]*trackedRun),
	}
}

// SetMetrics attaches a metrics registry; pipeline-run and correction-cycle
// recordings are no-ops until called.
func (r *Runner) SetMetrics(m *metrics.Registry) {
	r.metrics = m
}

// Run accepts a request and drives its lifecycle in the background,
// returning the freshly allocated accepted state immediately. Callers poll
// GetStatus for progress.
func (r *Runner) Run(ctx context.Context, req pipeline.PipelineRequest) (*pipeline.PipelineState, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("runner: request id is required")
	}

	r.mu.Lock()
	if _, exists := r.runs[req.RequestID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner: request %s already running", req.RequestID)
	}
	r.mu.Unlock()

	state := &pipeline.PipelineState{
		RequestID:      req.RequestID,
		Branch:         req.Branch,
		Status:         pipeline.StatusAccepted,
		PipelineBranch: req.Branch,
		StartedAt:      time.Now().UTC(),
		SkipMerge:      req.Config.SkipMerge,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if r.cfg.PipelineTimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(r.cfg.PipelineTimeoutMs)*time.Millisecond)
	}

	tr := &trackedRun{state: state, cancel: cancel}
	r.mu.Lock()
	r.runs[req.RequestID] = tr
	r.mu.Unlock()

	r.publish(req.RequestID, "pipeline.accepted", map[string]any{
		"branch":        req.Branch,
		"worktree_path": req.WorktreePath,
		"projectId":     req.ProjectID,
	})

	go r.execute(runCtx, tr, req)

	return state.Clone(), nil
}

func (r *Runner) execute(ctx context.Context, tr *trackedRun, req pipeline.PipelineRequest) {
	defer r.finish(ctx, tr)

	base := req.BaseBranch
	if base == "" {
		base = r.cfg.MainBranch
	}
	if base == "" {
		base = "origin/main"
	}

	diff := r.worktrees.DiffStats(req.WorktreePath, base)

	tier := req.Config.Tier
	if tier == "" {
		tier = ClassifyTier(r.cfg.Tiers, diff.FilesChanged, diff.LinesAdded+diff.LinesDeleted)
	}

	r.mu.Lock()
	tr.state.Tier = tier
	r.mu.Unlock()

	if err := pipeline.StatusFSM.Transition(pipeline.StatusAccepted, pipeline.StatusRunning); err != nil {
		r.fail(ctx, tr, pipeline.StatusError, fmt.Sprintf("runner: %v", err))
		return
	}
	r.setStatus(tr, pipeline.StatusRunning)
	r.publish(req.RequestID, "pipeline.tier_classified", map[string]any{"tier": tier})

	if diff.FilesChanged == 0 && diff.LinesAdded+diff.LinesDeleted == 0 {
		r.setStatus(tr, pipeline.StatusApproved)
		r.publish(req.RequestID, "pipeline.completed", map[string]any{
			"result":     &quality.Result{OverallStatus: agent.StatusPassed},
			"skip_merge": req.Config.SkipMerge,
		})
		if r.metrics != nil {
			r.metrics.RecordPipelineRun(tier, tr.state.Status)
		}
		return
	}

	agentNames := req.Config.Agents
	if len(agentNames) == 0 {
		agentNames = r.cfg.Tiers.AgentsFor(tier)
	}

	specs := make([]quality.AgentSpec, 0, len(agentNames))
	for _, name := range agentNames {
		role, ok := r.cfg.AgentRoles[name]
		if !ok {
			continue
		}
		specs = append(specs, quality.AgentSpec{
			Role:    role,
			System:  role.SystemPrompt,
			User:    userPrompt(req, diff),
			WorkDir: req.WorktreePath,
		})
	}

	r.publish(req.RequestID, "pipeline.started", map[string]any{
		"tier":        tier,
		"agents":      agentNames,
		"model_count": len(specs),
	})

	result, err := r.runQuality(ctx, tr, specs)
	if ctx.Err() != nil {
		return // finish() handles cancellation/timeout reporting
	}
	if err != nil {
		r.fail(ctx, tr, pipeline.StatusError, err.Error())
		return
	}

	r.mu.Lock()
	enteredCorrection := tr.state.Status == pipeline.StatusCorrecting
	r.mu.Unlock()
	if enteredCorrection {
		if err := pipeline.StatusFSM.Transition(pipeline.StatusCorrecting, pipeline.StatusRunning); err == nil {
			r.setStatus(tr, pipeline.StatusRunning)
		}
	}

	r.mu.Lock()
	tr.state.CorrectionsCount = len(result.CorrectionsApplied)
	tr.state.CorrectionsApplied = result.CorrectionsApplied
	r.mu.Unlock()
	if r.metrics != nil {
		for range result.CorrectionsApplied {
			r.metrics.RecordCorrectionCycle(tier)
		}
	}

	switch result.OverallStatus {
	case agent.StatusError:
		r.fail(ctx, tr, pipeline.StatusError, "one or more agents errored")
	case agent.StatusFailed:
		r.fail(ctx, tr, pipeline.StatusFailed, "quality checks failed after correction budget")
	default:
		r.setStatus(tr, pipeline.StatusApproved)
		r.publish(req.RequestID, "pipeline.completed", map[string]any{
			"result":     result,
			"skip_merge": req.Config.SkipMerge,
		})
	}
	if r.metrics != nil {
		r.metrics.RecordPipelineRun(tier, tr.state.Status)
	}
}

// runQuality drives the quality pipeline, surfacing StatusCorrecting for
// the duration of the correction cycle: the first correction round moves
// the run running->correcting, and the caller moves it back to running
// once Run returns.
func (r *Runner) runQuality(ctx context.Context, tr *trackedRun, specs []quality.AgentSpec) (*quality.Result, error) {
	onRound := func(attempt int) {
		r.mu.Lock()
		alreadyCorrecting := tr.state.Status == pipeline.StatusCorrecting
		r.mu.Unlock()
		if alreadyCorrecting {
			return
		}
		if err := pipeline.StatusFSM.Transition(pipeline.StatusRunning, pipeline.StatusCorrecting); err != nil {
			return
		}
		r.setStatus(tr, pipeline.StatusCorrecting)
		r.publish(tr.state.RequestID, "pipeline.correcting", map[string]any{"attempt": attempt})
	}

	if r.llmBreaker == nil {
		return r.quality.Run(ctx, specs, onRound)
	}
	var result *quality.Result
	err := r.llmBreaker.Execute(ctx, func(ctx context.Context) error {
		var runErr error
		result, runErr = r.quality.Run(ctx, specs, onRound)
		return runErr
	})
	return result, err
}

func (r *Runner) fail(ctx context.Context, tr *trackedRun, status, reason string) {
	r.setStatus(tr, status)
	r.publish(tr.state.RequestID, fmt.Sprintf("pipeline.%s", status), map[string]any{"reason": reason})
	if r.metrics != nil {
		r.metrics.RecordPipelineRun(tr.state.Tier, status)
	}
}

// finish handles cancellation/timeout outcomes once execute's context is
// done, and always prunes the run from the live map once a terminal status
// is recorded.
func (r *Runner) finish(ctx context.Context, tr *trackedRun) {
	r.mu.Lock()
	alreadyTerminal := tr.state.IsTerminal()
	manuallyStopped := tr.stopped
	r.mu.Unlock()

	if !alreadyTerminal {
		switch {
		case manuallyStopped:
			r.setStatus(tr, pipeline.StatusFailed)
			r.publish(tr.state.RequestID, "pipeline.stopped", nil)
		case ctx.Err() != nil:
			r.setStatus(tr, pipeline.StatusFailed)
			r.publish(tr.state.RequestID, "pipeline.failed", map[string]any{"reason": "timeout"})
		}
	}

	r.mu.Lock()
	now := time.Now().UTC()
	tr.state.CompletedAt = &now
	tr.pruneAt = now.Add(r.cfg.retention())
	r.mu.Unlock()

	r.sweep()
}

func (r *Runner) setStatus(tr *trackedRun, status string) {
	r.mu.Lock()
	tr.state.Status = status
	r.mu.Unlock()
}

func (r *Runner) publish(requestID, eventType string, data map[string]any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(context.Background(), eventbus.Event{
		EventType: eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Stop aborts a running request. A subsequently failing run publishes
// pipeline.stopped instead of pipeline.failed.
func (r *Runner) Stop(requestID string) error {
	r.mu.Lock()
	tr, ok := r.runs[requestID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("runner: request %s not found", requestID)
	}
	tr.stopped = true
	r.mu.Unlock()

	tr.cancel()
	return nil
}

// GetStatus returns a copy of a request's current state.
func (r *Runner) GetStatus(requestID string) (*pipeline.PipelineState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.runs[requestID]
	if !ok {
		return nil, false
	}
	return tr.state.Clone(), true
}

// IsRunning reports whether requestID has not yet reached a terminal status.
func (r *Runner) IsRunning(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.runs[requestID]
	return ok && !tr.state.IsTerminal()
}

// ListAll returns a snapshot of every tracked request, oldest first.
func (r *Runner) ListAll() []*pipeline.PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]*pipeline.PipelineState, 0, len(r.runs))
	for _, tr := range r.runs {
		states = append(states, tr.state.Clone())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartedAt.Before(states[j].StartedAt) })
	return states
}

// StopAll cancels every request currently running.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.runs))
	for id, tr := range r.runs {
		if !tr.state.IsTerminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Stop(id)
	}
}

// sweep prunes terminal entries past their retention window, then enforces
// the hard cap with oldest-first eviction, mirroring the teacher's
// Store.List in-memory scan pattern applied to the runner's own maps.
func (r *Runner) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for id, tr := range r.runs {
		if tr.state.IsTerminal() && !tr.pruneAt.IsZero() && now.After(tr.pruneAt) {
			delete(r.runs, id)
		}
	}

	if len(r.runs) <= r.cfg.maxRetained() {
		return
	}

	type entry struct {
		id   string
		done time.Time
	}
	var terminal []entry
	for id, tr := range r.runs {
		if tr.state.IsTerminal() {
			terminal = append(terminal, entry{id: id, done: tr.state.StartedAt})
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].done.Before(terminal[j].done) })

	excess := len(r.runs) - r.cfg.maxRetained()
	for i := 0; i < excess && i < len(terminal); i++ {
		delete(r.runs, terminal[i].id)
	}
}

func userPrompt(req pipeline.PipelineRequest, diff vcs.DiffStats) string {
	return fmt.Sprintf("Review branch %s (%d files, +%d/-%d lines changed).",
		req.Branch, diff.FilesChanged, diff.LinesAdded, diff.LinesDeleted)
}
