// Package director schedules integrator work: drift detection against
// origin/main, dependency-gated and priority-ordered dispatch of ready
// branches, and the stale-branch cleanup sweep. Only one cycle runs at a
// time per project, enforced by a lock file adapted from the teacher's
// serial-advance lock rather than an in-process mutex, so a crashed process
// doesn't wedge the next run forever.
package director

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/integrator"
	"github.com/forgepipe/conductor/internal/manifest"
	"github.com/forgepipe/conductor/internal/metrics"
	"github.com/forgepipe/conductor/internal/vcs"
)

// CooldownConfig mirrors the director's retry backoff between failed
// integrate attempts on the same branch, the same shape as the quality
// pipeline's correction backoff.
type CooldownConfig struct {
	BaseMs int
	Factor float64
}

// CleanupConfig gates the stale-branch sweep.
type CleanupConfig struct {
	Enabled         bool
	StaleBranchDays int
	KeepOnFailure   bool
}

// Config is the director's tuning, mirroring the `director`/`cleanup`
// config tree.
type Config struct {
	MainBranch       string
	AutoTriggerDelay time.Duration
	ScheduleInterval time.Duration
	DefaultPriority  int
	Cooldown         CooldownConfig
	Cleanup          CleanupConfig
}

// Director owns the run-lock, the event listeners that trigger cycles, and
// the dispatch loop itself.
type Director struct {
	cfg        Config
	manifest   *manifest.Manager
	integrator *integrator.Integrator
	worktrees  *vcs.WorktreeManager
	bus        *eventbus.Bus
	lockDir    string
	projectDir string
	logger     *zap.Logger
	metrics    *metrics.Registry

	stop func()
}

// SetMetrics attaches a metrics registry; recordings are no-ops until called.
func (d *Director) SetMetrics(m *metrics.Registry) {
	d.metrics = m
}

// New builds a Director. lockDir holds the run-lock file; projectDir is the
// repo checkout the integrator and worktree manager operate against.
func New(cfg Config, mgr *manifest.Manager, in *integrator.Integrator, worktrees *vcs.WorktreeManager, bus *eventbus.Bus, lockDir, projectDir string, logger *zap.Logger) *Director {
	return &Director{
		cfg:        cfg,
		manifest:   mgr,
		integrator: in,
		worktrees:  worktrees,
		bus:        bus,
		lockDir:    lockDir,
		projectDir: projectDir,
		logger:     logger,
	}
}

// Start subscribes the director to its triggers: pipeline.completed (after
// AutoTriggerDelay, to let the manifest write land first) and, if
// ScheduleInterval is nonzero, a periodic ticker. Returns immediately;
// Stop tears both down.
func (d *Director) Start(ctx context.Context) {
	var unsub func()
	if d.bus != nil {
		unsub = d.bus.OnEventType("pipeline.completed", func(eventbus.Event) {
			if d.cfg.AutoTriggerDelay > 0 {
				time.AfterFunc(d.cfg.AutoTriggerDelay, func() { d.runCycleLogged(ctx) })
				return
			}
			go d.runCycleLogged(ctx)
		})
	}

	var ticker *time.Ticker
	done := make(chan struct{})
	if d.cfg.ScheduleInterval > 0 {
		ticker = time.NewTicker(d.cfg.ScheduleInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					d.runCycleLogged(ctx)
				case <-done:
					return
				}
			}
		}()
	}

	d.stop = func() {
		if unsub != nil {
			unsub()
		}
		if ticker != nil {
			ticker.Stop()
			close(done)
		}
	}
}

// Stop tears down the director's triggers. Safe to call once; a nil Director
// trigger set is a no-op.
func (d *Director) Stop() {
	if d.stop != nil {
		d.stop()
	}
}

func (d *Director) runCycleLogged(ctx context.Context) {
	if err := d.RunCycle(ctx); err != nil && d.logger != nil {
		d.logger.Error("director: cycle failed", zap.Error(err))
	}
}

// RunCycle runs one scheduling pass: acquire the run-lock, check for main
// drift, dispatch eligible ready entries, release the lock. Returns nil
// (without error) when the lock is already held — another cycle is already
// running, which is expected under concurrent triggers, not a failure.
func (d *Director) RunCycle(ctx context.Context) error {
	release, err := d.acquireLock()
	if err != nil {
		if d.logger != nil {
			d.logger.Debug("director: cycle skipped, lock held", zap.Error(err))
		}
		d.metrics.RecordDirectorCycle("lock_held")
		return nil
	}
	defer release()

	if err := d.checkDrift(ctx); err != nil && d.logger != nil {
		d.logger.Error("director: drift check failed", zap.Error(err))
	}

	for _, entry := range d.eligibleEntries() {
		d.dispatch(ctx, entry)
	}

	if d.cfg.Cleanup.Enabled {
		d.sweepStaleBranches()
	}

	d.metrics.RecordDirectorCycle("completed")
	return nil
}

// acquireLock creates an exclusive lock file in lockDir, removing it first
// if stale (> 30 minutes old, e.g. left behind by a crash). Mirrors the
// teacher's advance lock one-to-one, scoped to the director's own directory.
func (d *Director) acquireLock() (release func(), err error) {
	lockPath := filepath.Join(d.lockDir, ".director.lock")

	if info, statErr := os.Stat(lockPath); statErr == nil {
		if time.Since(info.ModTime()) > 30*time.Minute {
			_ = os.Remove(lockPath)
		}
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("director run-lock already held")
		}
		return nil, fmt.Errorf("acquire director run-lock: %w", err)
	}
	f.Close()

	return func() { _ = os.Remove(lockPath) }, nil
}

// checkDrift compares origin/<main>'s current sha against every pending-
// merge entry's recorded base_main_sha, rebasing any entry that's fallen
// behind. A failed rebase rolls the entry back to ready rather than leaving
// it stuck mid-integration (Open Question (i), see DESIGN.md).
func (d *Director) checkDrift(ctx context.Context) error {
	main := d.cfg.MainBranch
	if main == "" {
		main = "main"
	}
	if err := d.worktrees.Fetch(d.projectDir, "origin", main); err != nil {
		return fmt.Errorf("fetch origin/%s: %w", main, err)
	}
	currentSHA, err := d.worktrees.CurrentSHA(d.projectDir, "origin/"+main)
	if err != nil {
		return fmt.Errorf("resolve origin/%s sha: %w", main, err)
	}

	for _, entry := range d.manifest.ListPendingMerge() {
		if entry.BaseMainSHA == "" || entry.BaseMainSHA == currentSHA {
			continue
		}
		d.rebaseStaleEntry(ctx, entry, currentSHA)
	}
	return nil
}

func (d *Director) rebaseStaleEntry(ctx context.Context, entry manifest.PendingMergeEntry, newMainSHA string) {
	pending := integrator.PendingEntry{
		Branch:            entry.Branch,
		RequestID:         entry.RequestID,
		IntegrationBranch: entry.IntegrationBranch,
		PRNumber:          entry.PRNumber,
	}
	result, err := d.integrator.Rebase(ctx, pending, d.projectDir, newMainSHA)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("director: rebase errored", zap.String("branch", entry.Branch), zap.Error(err))
		}
		return
	}
	if result.Success {
		return
	}
	if rbErr := d.manifest.RollbackToReady(entry.Branch, result.Error); rbErr != nil && d.logger != nil {
		d.logger.Error("director: rollback to ready failed", zap.String("branch", entry.Branch), zap.Error(rbErr))
	}
}

// eligibleEntries returns manifest.ready entries whose every depends_on
// branch has already landed in merge_history, sorted by priority ascending
// with ready_at as a tiebreak, and skipping entries still in cooldown.
func (d *Director) eligibleEntries() []manifest.ReadyEntry {
	now := time.Now()
	var eligible []manifest.ReadyEntry
	for _, entry := range d.manifest.ListReady() {
		if entry.CooldownUntil != nil && now.Before(*entry.CooldownUntil) {
			continue
		}
		if d.dependenciesSatisfied(entry) {
			eligible = append(eligible, entry)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].ReadyAt.Before(eligible[j].ReadyAt)
	})
	return eligible
}

func (d *Director) dependenciesSatisfied(entry manifest.ReadyEntry) bool {
	for _, dep := range entry.DependsOn {
		if !d.manifest.IsInMergeHistory(dep) {
			return false
		}
	}
	return true
}

// dispatch hands one eligible entry to the integrator and applies the
// resulting manifest transition.
func (d *Director) dispatch(ctx context.Context, entry manifest.ReadyEntry) {
	result, err := d.integrator.Integrate(ctx, integrator.ReadyEntry{Branch: entry.Branch, RequestID: entry.RequestID}, d.projectDir)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("director: integrate errored", zap.String("branch", entry.Branch), zap.Error(err))
		}
		return
	}

	if result.Success {
		if err := d.manifest.MoveToPendingMerge(entry.Branch, result.IntegrationBranch, result.PRNumber, result.PRURL, result.ConflictsResolved); err != nil && d.logger != nil {
			d.logger.Error("director: move to pending_merge failed", zap.String("branch", entry.Branch), zap.Error(err))
		}
		return
	}

	cooldown := d.cooldownFor(entry.Attempts + 1)
	if err := d.manifest.SetLastError(entry.Branch, result.Error, time.Now().Add(cooldown)); err != nil && d.logger != nil {
		d.logger.Error("director: set last_error failed", zap.String("branch", entry.Branch), zap.Error(err))
	}
}

// cooldownFor computes the exponential backoff for the given attempt count,
// the same InitialInterval/Multiplier shape the quality pipeline uses for
// correction retries.
func (d *Director) cooldownFor(attempt int) time.Duration {
	base := time.Duration(d.cfg.Cooldown.BaseMs) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	factor := d.cfg.Cooldown.Factor
	if factor <= 0 {
		factor = 2
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = factor
	bo.MaxElapsedTime = 0

	wait := base
	for i := 1; i < attempt; i++ {
		wait = bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
	}
	return wait
}

// sweepStaleBranches removes worktrees and local branches for manifest
// entries untouched past cleanup.stale_branch_days. Off by default; a
// supplemented feature grounded on the teacher's worktree lifecycle, not
// named in the pipeline's own Invariants.
func (d *Director) sweepStaleBranches() {
	if d.cfg.Cleanup.StaleBranchDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Cleanup.StaleBranchDays)

	for _, entry := range d.manifest.ListReady() {
		if entry.ReadyAt.Before(cutoff) {
			d.removeBranch(entry.Branch)
		}
	}
}

func (d *Director) removeBranch(branch string) {
	if err := d.worktrees.Remove(branch, true); err != nil && d.logger != nil {
		d.logger.Warn("director: stale branch cleanup failed", zap.String("branch", branch), zap.Error(err))
	}
}
