// Package integrator drives the saga that turns a ready branch into a
// merged pull request: a fixed forward sequence of steps, each with an
// optional compensating action that runs in reverse order the moment any
// step fails.
package integrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/metrics"
	"github.com/forgepipe/conductor/internal/pipeline"
	"github.com/forgepipe/conductor/internal/resilience/breaker"
	"github.com/forgepipe/conductor/internal/vcs"
)

// SagaLog is the forensic trail persisted before and after every step.
type SagaLog struct {
	SagaName         string     `json:"saga_name"`
	RequestID        string     `json:"request_id"`
	StepsCompleted   []string   `json:"steps_completed"`
	CurrentStep      string     `json:"current_step,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAtStep     string     `json:"failed_at_step,omitempty"`
	CompensationsRun []string   `json:"compensations_run,omitempty"`
	Error            string     `json:"error,omitempty"`
}

func (l *SagaLog) path(baseDir string) string {
	return baseDir + "/" + l.RequestID + ".json"
}

// ReadyEntry is the manifest entry handed to the saga for integration.
type ReadyEntry struct {
	Branch    string `json:"branch"`
	RequestID string `json:"request_id"`
}

// PendingEntry is a manifest entry already merged into an integration
// branch, handed to the rebase path when main has drifted.
type PendingEntry struct {
	Branch            string `json:"branch"`
	RequestID         string `json:"request_id"`
	IntegrationBranch string `json:"integration_branch"`
	PRNumber          int    `json:"pr_number"`
}

// IntegratorResult is integrate's outcome.
type IntegratorResult struct {
	Success           bool   `json:"success"`
	PRNumber          int    `json:"pr_number,omitempty"`
	PRURL             string `json:"pr_url,omitempty"`
	IntegrationBranch string `json:"integration_branch,omitempty"`
	BaseMainSHA       string `json:"base_main_sha,omitempty"`
	ConflictsResolved int    `json:"conflicts_resolved,omitempty"`
	Error             string `json:"error,omitempty"`
}

// RebaseResult is rebase's outcome.
type RebaseResult struct {
	Success           bool   `json:"success"`
	ConflictsResolved int    `json:"conflicts_resolved,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Config configures branch naming and the conflict agent.
type Config struct {
	MainBranch              string
	IntegrationBranchPrefix string
	PipelineBranchPrefix    string
}

func (c Config) mainBranch() string {
	if c.MainBranch == "" {
		return "main"
	}
	return c.MainBranch
}

func (c Config) integrationBranch(branch string) string {
	prefix := c.IntegrationBranchPrefix
	if prefix == "" {
		prefix = "integration/"
	}
	return prefix + branch
}

func (c Config) pipelineBranch(branch string) string {
	prefix := c.PipelineBranchPrefix
	if prefix == "" {
		prefix = "pipeline/"
	}
	return prefix + branch
}

// Integrator drives the saga. Only one integrate/rebase call runs at a
// time per project; the Director serializes dispatch, so Integrator itself
// holds no lock.
type Integrator struct {
	cfg           Config
	worktrees     *vcs.WorktreeManager
	github        *vcs.GitHubClient
	conflict      *ConflictAgent
	githubBreaker *breaker.Breaker
	claudeBreaker *breaker.Breaker
	bus           *eventbus.Bus
	sagaDir       string
	logger        *zap.Logger
	metrics       *metrics.Registry
}

// SetMetrics attaches a metrics registry; recordings are no-ops until called.
func (in *Integrator) SetMetrics(m *metrics.Registry) {
	in.metrics = m
}

// New builds an Integrator.
func New(cfg Config, worktrees *vcs.WorktreeManager, github *vcs.GitHubClient, conflict *ConflictAgent, githubBreaker, claudeBreaker *breaker.Breaker, bus *eventbus.Bus, sagaDir string, logger *zap.Logger) *Integrator {
	return &Integrator{
		cfg:           cfg,
		worktrees:     worktrees,
		github:        github,
		conflict:      conflict,
		githubBreaker: githubBreaker,
		claudeBreaker: claudeBreaker,
		bus:           bus,
		sagaDir:       sagaDir,
		logger:        logger,
	}
}

type stepFunc func(ctx context.Context, st *sagaState) error
type compensateFunc func(ctx context.Context, st *sagaState) error

type step struct {
	name       string
	run        stepFunc
	compensate compensateFunc // nil means no compensation
}

// sagaState carries the mutable data steps read and write as they run.
type sagaState struct {
	entry             ReadyEntry
	projectDir        string
	integrationBranch string
	pipelineBranch    string
	worktreePath      string
	baseSHA           string
	conflictsResolved int
	prNumber          int
	prURL             string
}

func (in *Integrator) publish(requestID, eventType string, data map[string]any) {
	if in.bus == nil {
		return
	}
	_ = in.bus.Publish(context.Background(), eventbus.Event{
		EventType: eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Integrate runs the saga forward over entry. On any step failure,
// compensations for already-completed steps (plus the failing step's own,
// when it defines one) run in reverse order and the
// error is returned in the result rather than as a Go error, matching the
// "saga step failures throw, run compensation, produce integration.failed"
// contract — the saga itself never leaves a partial worktree/branch behind.
func (in *Integrator) Integrate(ctx context.Context, entry ReadyEntry, projectDir string) (*IntegratorResult, error) {
	st := &sagaState{
		entry:             entry,
		projectDir:        projectDir,
		integrationBranch: in.cfg.integrationBranch(entry.Branch),
		pipelineBranch:    in.cfg.pipelineBranch(entry.Branch),
	}

	steps := []step{
		{name: "fetch_main", run: in.stepFetchMain},
		{name: "create_integration_branch", run: in.stepCreateIntegrationBranch, compensate: in.compensateCreateIntegrationBranch},
		{name: "merge_pipeline", run: in.stepMergePipeline, compensate: in.compensateMergePipeline},
		{name: "push_branch", run: in.stepPushBranch, compensate: in.compensatePushBranch},
		{name: "create_pr", run: in.stepCreatePR},
		{name: "checkout_main", run: in.stepCheckoutMain},
	}

	in.publish(entry.RequestID, "integration.started", map[string]any{"branch": entry.Branch})

	log := &SagaLog{SagaName: "integrate", RequestID: entry.RequestID, StartedAt: time.Now().UTC()}
	completed, err := in.run(ctx, log, steps, st)
	if err != nil {
		in.compensate(ctx, log, steps, completed, st)
		now := time.Now().UTC()
		log.CompletedAt = &now
		_ = pipeline.WriteJSON(log.path(in.sagaDir), log)
		in.publish(entry.RequestID, "integration.failed", map[string]any{"error": err.Error()})
		in.metrics.RecordSagaOutcome("failed")
		return &IntegratorResult{Success: false, Error: err.Error()}, nil
	}

	now := time.Now().UTC()
	log.CompletedAt = &now
	_ = pipeline.WriteJSON(log.path(in.sagaDir), log)
	in.metrics.RecordSagaOutcome("success")

	in.publish(entry.RequestID, "integration.pr.created", map[string]any{
		"pr_number":          st.prNumber,
		"pr_url":             st.prURL,
		"integration_branch": st.integrationBranch,
	})

	return &IntegratorResult{
		Success:           true,
		PRNumber:          st.prNumber,
		PRURL:             st.prURL,
		IntegrationBranch: st.integrationBranch,
		BaseMainSHA:       st.baseSHA,
		ConflictsResolved: st.conflictsResolved,
	}, nil
}

// run executes steps in order, returning the steps that need compensating
// on failure: every completed step, plus the failing step itself when it
// defines its own compensation (e.g. merge_pipeline's "merge --abort"
// applies to its own half-finished merge, not to a later step).
func (in *Integrator) run(ctx context.Context, log *SagaLog, steps []step, st *sagaState) ([]step, error) {
	var toCompensate []step
	for _, s := range steps {
		log.CurrentStep = s.name
		_ = pipeline.WriteJSON(log.path(in.sagaDir), log)

		if err := s.run(ctx, st); err != nil {
			log.FailedAtStep = s.name
			log.Error = err.Error()
			log.CurrentStep = ""
			if s.compensate != nil {
				toCompensate = append(toCompensate, s)
			}
			return toCompensate, fmt.Errorf("step %s: %w", s.name, err)
		}

		log.StepsCompleted = append(log.StepsCompleted, s.name)
		log.CurrentStep = ""
		_ = pipeline.WriteJSON(log.path(in.sagaDir), log)
		toCompensate = append(toCompensate, s)
	}
	return toCompensate, nil
}

// compensate runs the compensations of the steps run returned (completed
// steps plus the failing step, when it has one) in reverse order. A
// failed compensation is logged but never halts the sweep, since leaving
// the remaining compensations unrun would be worse than a partial cleanup.
func (in *Integrator) compensate(ctx context.Context, log *SagaLog, allSteps []step, completed []step, st *sagaState) {
	for i := len(completed) - 1; i >= 0; i-- {
		s := completed[i]
		if s.compensate == nil {
			continue
		}
		if err := s.compensate(ctx, st); err != nil {
			log.CompensationsRun = append(log.CompensationsRun, fmt.Sprintf("%s (FAILED)", s.name))
			if in.logger != nil {
				in.logger.Error("integrator: compensation failed", zap.String("step", s.name), zap.Error(err))
			}
			continue
		}
		log.CompensationsRun = append(log.CompensationsRun, s.name)
	}
	_ = pipeline.WriteJSON(log.path(in.sagaDir), log)
}
