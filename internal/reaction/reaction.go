// Package reaction implements the declarative reactors that respond to
// CI and review webhooks: bounded respawn/notify/escalate/auto_merge
// retries per session, plus stuck-agent timers, generalized from the
// teacher's triage.Runner.Advance per-pipeline stage progression (advance
// one stage per check-in, stop at a budget) to a session-keyed,
// event-driven shape.
package reaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/notify"
	"github.com/forgepipe/conductor/internal/session"
)

// Respawner re-prompts the coding agent behind a session. Left as an
// interface — spawning or driving the actual LLM agent subprocess is out
// of scope here, same fake-seam shape as internal/integrator's chatRunner.
type Respawner interface {
	Respawn(ctx context.Context, sessionID, prompt string) error
}

// Merger merges a pull request once a reviewed branch is green and
// approved.
type Merger interface {
	Merge(ctx context.Context, branch string) error
}

// Engine subscribes to session lifecycle events and drives reactors.
type Engine struct {
	cfg       Config
	store     session.Store
	bus       *eventbus.Bus
	notifier  notify.Notifier
	respawner Respawner
	merger    Merger
	logger    *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	unsub func()

	// stuckDelayOverride replaces the StuckAfterMin-derived delay when set;
	// tests use it to exercise the timer without waiting on real minutes.
	stuckDelayOverride time.Duration
}

// New builds an Engine. respawner and merger may be nil if those actions
// are never configured; Engine logs an error rather than panicking if
// a configured action has no backing implementation.
func New(cfg Config, store session.Store, bus *eventbus.Bus, notifier notify.Notifier, respawner Respawner, merger Merger, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		notifier:  notifier,
		respawner: respawner,
		merger:    merger,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
}

var reactedTypes = []string{
	"session.ci_failed",
	"session.changes_requested",
	"session.ci_passed",
	"session.implementing",
	"session.pr_created",
	"session.merged",
	"session.failed",
	"session.escalated",
}

// Start subscribes the engine to every session.* event it reacts to.
func (e *Engine) Start() {
	e.unsub = e.bus.OnEventTypes(reactedTypes, e.handle)
}

// Stop unsubscribes and cancels every pending stuck timer.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) handle(ev eventbus.Event) {
	ctx := context.Background()
	switch ev.EventType {
	case "session.ci_failed":
		e.handleBudgeted(ctx, ev, "ci_failed", session.AttemptCI, e.cfg.CIFailed, "CI failed")
	case "session.changes_requested":
		e.handleBudgeted(ctx, ev, "changes_requested", session.AttemptReview, e.cfg.ChangesRequested, "Review changes requested")
	case "session.ci_passed":
		e.handleCIPassed(ctx, ev)
	case "session.implementing", "session.pr_created":
		e.armStuckTimer(sessionID(ev))
	case "session.merged", "session.failed", "session.escalated":
		e.clearStuckTimer(sessionID(ev))
	}
}

func sessionID(ev eventbus.Event) string {
	if v, ok := ev.Data["session_id"].(string); ok && v != "" {
		return v
	}
	return ev.RequestID
}

// handleBudgeted implements the symmetric ci_failed/changes_requested
// behavior: increment the matching attempt counter; past budget,
// escalate; otherwise run the configured action.
func (e *Engine) handleBudgeted(ctx context.Context, ev eventbus.Event, trigger string, kind session.AttemptKind, cfg ReactorConfig, humanTrigger string) {
	id := sessionID(ev)
	if id == "" {
		return
	}

	attempts, err := e.store.IncrementAttempts(id, kind)
	if err != nil {
		e.logError("increment attempts", id, err)
		return
	}
	sess, _, _ := e.store.Get(id)

	if attempts > cfg.MaxRetries {
		reason := fmt.Sprintf("%s %d times — exceeded retry budget", humanTrigger, attempts)
		e.escalate(ctx, id, sess, reason)
		e.publish(id, trigger, ActionEscalate, attempts, cfg.MaxRetries)
		return
	}

	e.runAction(ctx, id, sess, cfg)
	e.publish(id, trigger, cfg.Action, attempts, cfg.MaxRetries)
}

func (e *Engine) runAction(ctx context.Context, id string, sess session.Session, cfg ReactorConfig) {
	switch cfg.Action {
	case ActionRespawnAgent:
		if e.respawner == nil {
			e.logError("respawn_agent", id, fmt.Errorf("no respawner configured"))
			return
		}
		prompt := interpolate(cfg.Prompt, sess)
		if err := e.respawner.Respawn(ctx, id, prompt); err != nil {
			e.logError("respawn_agent", id, err)
		}
	case ActionNotify:
		_ = e.notifier.Notify(ctx, notify.Message{Reason: cfg.Message, SessionID: id, Branch: sess.Branch, PRNumber: sess.PRNumber})
	case ActionEscalate:
		e.escalate(ctx, id, sess, cfg.Message)
	case ActionAutoMerge:
		e.autoMerge(ctx, id, sess.Branch)
	}
}

func (e *Engine) escalate(ctx context.Context, id string, sess session.Session, reason string) {
	if err := e.store.Transition(id, session.StatusEscalated, ""); err != nil {
		e.logError("transition to escalated", id, err)
	}
	if reason == "" {
		reason = "escalated"
	}
	_ = e.notifier.Notify(ctx, notify.Message{Reason: reason, SessionID: id, Branch: sess.Branch, PRNumber: sess.PRNumber})
}

// handleCIPassed fires auto_merge when the event reports an approved PR
// and the project permits auto-merge.
func (e *Engine) handleCIPassed(ctx context.Context, ev eventbus.Event) {
	if !boolField(ev, "pr_approved") {
		return
	}
	if !boolField(ev, "project_permits_auto_merge") {
		return
	}
	if e.cfg.ApprovedAndGreen.Action != ActionAutoMerge {
		return
	}
	id := sessionID(ev)
	branch := stringField(ev, "branch")
	if sess, ok, _ := e.store.Get(id); ok && sess.Branch != "" {
		branch = sess.Branch
	}
	e.autoMerge(ctx, id, branch)
	e.publish(id, "approved_and_green", ActionAutoMerge, 0, 0)
}

func (e *Engine) autoMerge(ctx context.Context, id string, branch string) {
	if e.merger == nil {
		e.logError("auto_merge", id, fmt.Errorf("no merger configured"))
		return
	}
	if err := e.merger.Merge(ctx, branch); err != nil {
		e.logError("auto_merge", id, err)
		return
	}
	if err := e.store.Transition(id, session.StatusMerged, ""); err != nil {
		e.logError("transition to merged", id, err)
	}
}

// armStuckTimer starts (or restarts) a per-session timer that fires after
// cfg.StuckAfterMin; if the session is still active when it fires, the
// configured agent_stuck action runs.
func (e *Engine) armStuckTimer(id string) {
	after := e.stuckDelayOverride
	if after <= 0 {
		if e.cfg.StuckAfterMin <= 0 {
			return
		}
		after = time.Duration(e.cfg.StuckAfterMin) * time.Minute
	}
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.timers[id]; ok {
		existing.Stop()
	}
	e.timers[id] = time.AfterFunc(after, func() { e.fireStuck(id) })
}

func (e *Engine) clearStuckTimer(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) fireStuck(id string) {
	e.mu.Lock()
	delete(e.timers, id)
	e.mu.Unlock()

	sess, ok, err := e.store.Get(id)
	if err != nil || !ok || !sess.IsActive() {
		return
	}

	ctx := context.Background()
	cfg := e.cfg.AgentStuck
	switch cfg.Action {
	case ActionEscalate:
		e.escalate(ctx, id, sess, cfg.Message)
	case ActionNotify:
		_ = e.notifier.Notify(ctx, notify.Message{Reason: cfg.Message, SessionID: id, Branch: sess.Branch, PRNumber: sess.PRNumber})
	}
	e.publish(id, "agent_stuck", cfg.Action, 0, cfg.MaxRetries)
}

func (e *Engine) publish(sessionID string, trigger string, action Action, attempts, maxRetries int) {
	if e.bus == nil {
		return
	}
	payload := TriggeredPayload{Trigger: trigger, Action: action, Attempts: attempts, MaxRetries: maxRetries, SessionID: sessionID}
	_ = e.bus.Publish(context.Background(), eventbus.Event{
		EventType: "reaction.triggered",
		RequestID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      payload.toData(),
	})
}

func (e *Engine) logError(op, sessionID string, err error) {
	if e.logger != nil {
		e.logger.Error("reaction: "+op+" failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// interpolate substitutes #{issueNumber}/#{prNumber} into a respawn_agent
// prompt template from the session's own record.
func interpolate(prompt string, sess session.Session) string {
	prompt = strings.ReplaceAll(prompt, "#{issueNumber}", fmt.Sprint(sess.Issue.Number))
	prompt = strings.ReplaceAll(prompt, "#{prNumber}", fmt.Sprint(sess.PRNumber))
	return prompt
}

func stringField(ev eventbus.Event, key string) string {
	v, _ := ev.Data[key].(string)
	return v
}

func intField(ev eventbus.Event, key string) int {
	switch v := ev.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func boolField(ev eventbus.Event, key string) bool {
	v, _ := ev.Data[key].(bool)
	return v
}
