package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/agent"
	"github.com/forgepipe/conductor/internal/config"
	"github.com/forgepipe/conductor/internal/director"
	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/httpapi"
	"github.com/forgepipe/conductor/internal/integrator"
	"github.com/forgepipe/conductor/internal/logging"
	"github.com/forgepipe/conductor/internal/manifest"
	"github.com/forgepipe/conductor/internal/metrics"
	"github.com/forgepipe/conductor/internal/notify"
	"github.com/forgepipe/conductor/internal/pipeline"
	"github.com/forgepipe/conductor/internal/quality"
	"github.com/forgepipe/conductor/internal/reaction"
	"github.com/forgepipe/conductor/internal/resilience/adapters"
	"github.com/forgepipe/conductor/internal/resilience/breaker"
	"github.com/forgepipe/conductor/internal/resilience/dlq"
	"github.com/forgepipe/conductor/internal/resilience/idempotency"
	"github.com/forgepipe/conductor/internal/runner"
	"github.com/forgepipe/conductor/internal/session"
	"github.com/forgepipe/conductor/internal/tools"
	"github.com/forgepipe/conductor/internal/vcs"
	"github.com/forgepipe/conductor/internal/webhook"
)

// Engine holds every long-lived component `serve` drives.
type Engine struct {
	Bus      *eventbus.Bus
	Runner   *runner.Runner
	Director *director.Director
	Reaction *reaction.Engine
	Adapters *adapters.Manager
	Metrics  *metrics.Registry
	HTTP     *httpapi.Server
	Logger   *zap.Logger

	cleanup []func() error
}

// Close releases every resource Engine opened, in reverse build order.
func (e *Engine) Close() error {
	var firstErr error
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		if err := e.cleanup[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildEngine wires every module from a loaded Config: event bus, worktree
// manager, quality pipeline, runner, manifest, integrator saga, director,
// reaction engine, resilience layer, and the HTTP surface in front of all
// of it.
func buildEngine(cfg *config.Config, projectDir string, logger *zap.Logger) (*Engine, error) {
	eng := &Engine{Logger: logger}

	reg := metrics.New()
	eng.Metrics = reg

	bus := eventbus.New(cfg.Events.Path, 4, logger)
	eng.Bus = bus
	eng.cleanup = append(eng.cleanup, bus.Close)

	wt := vcs.NewWorktreeManager(&vcs.ExecGit{}, projectDir, filepath.Join(projectDir, "worktrees"))
	gh := vcs.NewGitHubClient(&vcs.ExecGH{})

	providers := make(map[string]agent.ProviderConfig, len(cfg.LLMProviders))
	for name, p := range cfg.LLMProviders {
		apiKey := ""
		if p.APIKeyEnv != "" {
			apiKey = os.Getenv(p.APIKeyEnv)
		}
		providers[name] = agent.ProviderConfig{BaseURL: p.BaseURL, APIKey: apiKey}
	}
	factory := agent.NewModelFactory(providers, cfg.DefaultProvider, cfg.FallbackProvider)

	executor := &quality.Executor{
		Client:   &quality.HTTPChatClient{},
		Factory:  factory,
		Registry: tools.NewRegistry(),
	}

	qp := &quality.Pipeline{
		Executor: executor,
		Correction: quality.AutoCorrectionConfig{
			MaxAttempts: cfg.AutoCorrection.MaxAttempts,
			BaseMs:      cfg.AutoCorrection.BackoffBaseMs,
			Factor:      cfg.AutoCorrection.BackoffFactor,
		},
	}

	claudeBreaker := breaker.New("claude", breakerConfig(cfg.Resilience.CircuitBreaker["claude"]), logger)
	githubBreaker := breaker.New("github", breakerConfig(cfg.Resilience.CircuitBreaker["github"]), logger)

	runnerCfg := runner.Config{
		Tiers:             tiersConfig(cfg.Tiers),
		AgentRoles:        agentRoles(cfg.Agents),
		PipelineTimeoutMs: cfg.PipelineTimeoutMs,
		MainBranch:        cfg.Branch.Main,
	}
	baseRunner := runner.New(runnerCfg, bus, wt, qp, claudeBreaker, logger)
	baseRunner.SetMetrics(reg)

	idempDir := filepath.Join(projectDir, ".pipeline")
	if err := os.MkdirAll(idempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create .pipeline dir: %w", err)
	}
	guard, err := idempotency.NewGuard(filepath.Join(idempDir, "idempotency.json"))
	if err != nil {
		return nil, fmt.Errorf("open idempotency guard: %w", err)
	}
	eng.Runner = baseRunner
	idempRunner := newIdempotentRunner(baseRunner, guard, bus)

	var conflictAgent *integrator.ConflictAgent
	if conflictCfg, ok := cfg.Agents["conflict"]; ok {
		conflictAgent = &integrator.ConflictAgent{
			Executor: executor,
			Role:     agentRole("conflict", conflictCfg),
		}
	}

	sagaDir := filepath.Join(idempDir, "sagas")
	intg := integrator.New(
		integrator.Config{
			MainBranch:              cfg.Branch.Main,
			IntegrationBranchPrefix: cfg.Branch.IntegrationPrefix,
			PipelineBranchPrefix:    cfg.Branch.PipelinePrefix,
		},
		wt, gh, conflictAgent, githubBreaker, claudeBreaker, bus, sagaDir, logger,
	)
	intg.SetMetrics(reg)

	mgr, err := manifest.NewManager(filepath.Join(idempDir, "manifest.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	dir := director.New(
		director.Config{
			MainBranch:       cfg.Branch.Main,
			AutoTriggerDelay: durationMs(cfg.Director.AutoTriggerDelayMs),
			ScheduleInterval: durationMs(cfg.Director.ScheduleIntervalMs),
			DefaultPriority:  cfg.Director.DefaultPriority,
			Cooldown: director.CooldownConfig{
				BaseMs: cfg.AutoCorrection.BackoffBaseMs,
				Factor: cfg.AutoCorrection.BackoffFactor,
			},
			Cleanup: director.CleanupConfig{
				Enabled:         cfg.Cleanup.StaleBranchDays > 0,
				StaleBranchDays: cfg.Cleanup.StaleBranchDays,
				KeepOnFailure:   cfg.Cleanup.KeepOnFailure,
			},
		},
		mgr, intg, wt, bus, idempDir, projectDir, logger,
	)
	dir.SetMetrics(reg)
	eng.Director = dir

	sessionStore, err := session.Open(filepath.Join(idempDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	eng.cleanup = append(eng.cleanup, sessionStore.Close)

	notifier := notify.New(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL"), logger)
	merger := &prMerger{client: gh}
	reactionEngine := reaction.New(reactionConfig(cfg.Reactions), sessionStore, bus, notifier, nil, merger, logger)
	reactionEngine.Start()
	eng.Reaction = reactionEngine
	eng.cleanup = append(eng.cleanup, func() error { reactionEngine.Stop(); return nil })

	adapterMgr := adapters.NewManager(bus, logger)
	adapterConfigs := make(map[string]adapters.Config, len(cfg.Adapters.Webhooks))
	for _, whCfg := range cfg.Adapters.Webhooks {
		ac := adapters.Config{
			Name:       whCfg.URL,
			URL:        whCfg.URL,
			EventTypes: whCfg.Events,
			TimeoutMs:  whCfg.TimeoutMs,
		}
		adapterMgr.Register(ac, filepath.Join(dlqPath(cfg.Resilience.DLQ, idempDir), "adapters"), dlq.Config{
			MaxRetries:    cfg.Resilience.DLQ.MaxRetries,
			BaseDelayMs:   cfg.Resilience.DLQ.BaseDelayMs,
			BackoffFactor: cfg.Resilience.DLQ.BackoffFactor,
		})
		adapterConfigs[ac.Name] = ac
	}
	eng.Adapters = adapterMgr
	eng.cleanup = append(eng.cleanup, func() error { adapterMgr.Close(); return nil })

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go runDLQSweepLoop(sweepCtx, adapterMgr, adapterConfigs, retryInterval(cfg.Adapters.RetryIntervalMs))
	eng.cleanup = append(eng.cleanup, func() error { sweepCancel(); return nil })

	httpCfg := httpapi.Config{
		PipelineRunPerMinute: cfg.HTTP.PipelineRunPerMinute,
		WebhookPerMinute:     cfg.HTTP.WebhookPerMinute,
		CORSOrigins:          cfg.HTTP.CORSOrigins,
	}
	webhookCfg := webhook.Config{
		Secret:                  cfg.WebhookSecret,
		IntegrationBranchPrefix: cfg.Branch.IntegrationPrefix,
	}
	eng.HTTP = httpapi.NewServer(httpCfg, idempRunner, dir, bus, webhookCfg, logger)

	return eng, nil
}

// dlqPath resolves the DLQ base directory, defaulting to idempDir/dlq when
// unset.
func dlqPath(d config.DLQConfig, idempDir string) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(idempDir, "dlq")
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		MaxFailures:    uint32(c.FailureThreshold),
		ResetTimeoutMs: c.ResetTimeoutMs,
	}
}

func tiersConfig(t config.TiersConfig) runner.TiersConfig {
	return runner.TiersConfig{
		Small:  runner.TierConfig(t.Small),
		Medium: runner.TierConfig(t.Medium),
		Large:  runner.TierConfig(t.Large),
	}
}

func agentRoles(agents map[string]config.AgentConfig) map[string]agent.Role {
	roles := make(map[string]agent.Role, len(agents))
	for name, a := range agents {
		if name == "conflict" {
			continue
		}
		roles[name] = agentRole(name, a)
	}
	return roles
}

func agentRole(name string, a config.AgentConfig) agent.Role {
	return agent.Role{
		Name:           name,
		SystemPrompt:   a.SystemPrompt,
		Model:          a.Model,
		Provider:       a.Provider,
		Tools:          a.Tools,
		MaxTurns:       a.MaxTurns,
		ContextDocs:    a.ContextDocs,
		PermissionMode: a.PermissionMode,
	}
}

func reactionConfig(r config.ReactionsConfig) reaction.Config {
	return reaction.Config{
		CIFailed:         reactorConfig(r.CIFailed),
		ChangesRequested: reactorConfig(r.ChangesRequested),
		ApprovedAndGreen: reactorConfig(r.ApprovedAndGreen),
		AgentStuck:       reactorConfig(r.AgentStuck),
		StuckAfterMin:    r.AgentStuck.AfterMin,
	}
}

func reactorConfig(r config.ReactorConfig) reaction.ReactorConfig {
	return reaction.ReactorConfig{
		Action:     reaction.Action(r.Action),
		MaxRetries: r.MaxRetries,
		Prompt:     r.Prompt,
		Message:    r.Message,
	}
}

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func retryInterval(ms int) time.Duration {
	if ms <= 0 {
		return 30 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// runDLQSweepLoop drives every registered webhook adapter's dead-letter
// queue on a fixed tick until ctx is cancelled, per adapters.Manager's
// "exposed so a sweeper goroutine can drive retries" contract.
func runDLQSweepLoop(ctx context.Context, mgr *adapters.Manager, configs map[string]adapters.Config, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Sweep(ctx, configs)
		}
	}
}

// prMerger adapts vcs.GitHubClient to reaction.Merger; merge strategy is
// fixed to squash.
type prMerger struct {
	client *vcs.GitHubClient
}

func (m *prMerger) Merge(ctx context.Context, branch string) error {
	return m.client.MergePR(branch, "squash")
}

// idempotentRunner wraps runner.Runner so a duplicate run request for a
// branch already in flight is rejected instead of starting a second run,
// per the claim/release contract of internal/resilience/idempotency. The
// guard's fingerprint is the branch name; requestID->branch is tracked
// so the bus subscription (which only carries RequestID) can resolve which
// fingerprint to release on a terminal event.
type idempotentRunner struct {
	inner *runner.Runner
	guard *idempotency.Guard

	mu        sync.Mutex
	byRequest map[string]string
}

func newIdempotentRunner(inner *runner.Runner, guard *idempotency.Guard, bus *eventbus.Bus) *idempotentRunner {
	r := &idempotentRunner{inner: inner, guard: guard, byRequest: make(map[string]string)}
	bus.OnEventTypes(idempotency.TerminalEventTypes, func(ev eventbus.Event) {
		r.mu.Lock()
		branch, ok := r.byRequest[ev.RequestID]
		delete(r.byRequest, ev.RequestID)
		r.mu.Unlock()
		if ok {
			_ = guard.Release(branch)
		}
	})
	return r
}

func (r *idempotentRunner) Run(ctx context.Context, req pipeline.PipelineRequest) (*pipeline.PipelineState, error) {
	claimed, err := r.guard.Claim(req.Branch)
	if err != nil {
		return nil, fmt.Errorf("idempotency: claim %q: %w", req.Branch, err)
	}
	if !claimed {
		return nil, fmt.Errorf("pipeline already running for branch %q", req.Branch)
	}

	r.mu.Lock()
	r.byRequest[req.RequestID] = req.Branch
	r.mu.Unlock()

	state, err := r.inner.Run(ctx, req)
	if err != nil {
		_ = r.guard.Release(req.Branch)
		r.mu.Lock()
		delete(r.byRequest, req.RequestID)
		r.mu.Unlock()
	}
	return state, err
}

func (r *idempotentRunner) Stop(requestID string) error {
	return r.inner.Stop(requestID)
}

func (r *idempotentRunner) GetStatus(requestID string) (*pipeline.PipelineState, bool) {
	return r.inner.GetStatus(requestID)
}

// loggerFromFlags builds the process logger from the --verbose flag.
func loggerFromFlags(verbose bool) (*zap.Logger, error) {
	return logging.New(verbose)
}
