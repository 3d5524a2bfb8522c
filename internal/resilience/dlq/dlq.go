// Package dlq is the dead-letter queue for failed outbound deliveries
// (adapter webhooks). Each failed delivery becomes a file; a sweeper
// retries due entries with exponential backoff and quarantines anything
// that exhausts its retry budget, so nothing silently disappears.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/metrics"
	"github.com/forgepipe/conductor/internal/pipeline"
)

// Entry is one queued delivery.
type Entry struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
}

// Deliver attempts to re-send one entry's payload. A nil error marks the
// entry delivered and removes it from the queue.
type Deliver func(ctx context.Context, payload json.RawMessage) error

// Config tunes retry behavior, mirroring the `resilience.dlq` config tree.
// Retries back off as BaseDelayMs * BackoffFactor^attempts.
type Config struct {
	MaxRetries    int
	BaseDelayMs   int
	BackoffFactor float64
}

// Queue persists entries under baseDir and quarantine/ holds entries that
// exhausted their retry budget.
type Queue struct {
	baseDir       string
	maxRetries    int
	baseDelay     time.Duration
	backoffFactor float64
	logger        *zap.Logger
	metrics       *metrics.Registry
}

// NewQueue builds a Queue rooted at baseDir (e.g. .pipeline/dlq).
func NewQueue(baseDir string, cfg Config, logger *zap.Logger) *Queue {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelayMs := cfg.BaseDelayMs
	if baseDelayMs <= 0 {
		baseDelayMs = 1000
	}
	backoffFactor := cfg.BackoffFactor
	if backoffFactor <= 0 {
		backoffFactor = 2
	}
	return &Queue{
		baseDir:       baseDir,
		maxRetries:    maxRetries,
		baseDelay:     time.Duration(baseDelayMs) * time.Millisecond,
		backoffFactor: backoffFactor,
		logger:        logger,
	}
}

// SetMetrics attaches a metrics registry; depth recordings are no-ops
// until called.
func (q *Queue) SetMetrics(m *metrics.Registry) {
	q.metrics = m
}

func (q *Queue) entryPath(id string) string {
	return filepath.Join(q.baseDir, id+".json")
}

func (q *Queue) quarantinePath(id string) string {
	return filepath.Join(q.baseDir, "quarantine", id+".json")
}

// Enqueue adds a new failed delivery to the queue.
func (q *Queue) Enqueue(payload json.RawMessage) (string, error) {
	id := uuid.NewString()
	entry := Entry{ID: id, Payload: payload, Attempts: 0, NextRetryAt: time.Now().UTC()}
	if err := pipeline.WriteJSON(q.entryPath(id), entry); err != nil {
		return "", fmt.Errorf("dlq: enqueue: %w", err)
	}
	return id, nil
}

// Sweep delivers every due entry once. Entries not yet due (their
// next_retry_at is in the future) are skipped this pass. A failed delivery
// bumps attempts and recomputes next_retry_at via exponential backoff; an
// entry whose attempts reach maxRetries is quarantined instead of retried
// again.
func (q *Queue) Sweep(ctx context.Context, deliver Deliver) error {
	entries, err := q.listEntries()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.NextRetryAt.After(now) {
			continue
		}

		err := deliver(ctx, entry.Payload)
		if err == nil {
			if rmErr := os.Remove(q.entryPath(entry.ID)); rmErr != nil && q.logger != nil {
				q.logger.Warn("dlq: failed to remove delivered entry", zap.String("id", entry.ID), zap.Error(rmErr))
			}
			continue
		}

		entry.Attempts++
		if entry.Attempts >= q.maxRetries {
			if qErr := q.quarantine(entry); qErr != nil && q.logger != nil {
				q.logger.Error("dlq: failed to quarantine entry", zap.String("id", entry.ID), zap.Error(qErr))
			}
			continue
		}

		entry.NextRetryAt = now.Add(q.backoffDuration(entry.Attempts))
		if wErr := pipeline.WriteJSON(q.entryPath(entry.ID), entry); wErr != nil && q.logger != nil {
			q.logger.Error("dlq: failed to persist retry state", zap.String("id", entry.ID), zap.Error(wErr))
		}
	}

	if remaining, err := q.listEntries(); err == nil {
		q.metrics.SetDLQDepth(len(remaining))
	}
	return nil
}

// backoffDuration computes baseDelay * backoffFactor^attempts, the
// cenkalti/backoff exponential shape driven by this queue's config.
func (q *Queue) backoffDuration(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.baseDelay
	bo.Multiplier = q.backoffFactor
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Duration(1<<63 - 1)
	bo.MaxElapsedTime = 0
	bo.Reset() // restart from InitialInterval; the constructor started from the library default
	d := bo.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	return d
}

func (q *Queue) quarantine(entry Entry) error {
	if err := os.MkdirAll(filepath.Join(q.baseDir, "quarantine"), 0o755); err != nil {
		return fmt.Errorf("mkdir quarantine: %w", err)
	}
	if err := pipeline.WriteJSON(q.quarantinePath(entry.ID), entry); err != nil {
		return err
	}
	return os.Remove(q.entryPath(entry.ID))
}

// List returns every entry currently queued (excluding quarantined ones),
// for depth metrics and diagnostics.
func (q *Queue) List() ([]Entry, error) {
	return q.listEntries()
}

func (q *Queue) listEntries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(q.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dlq: read %s: %w", q.baseDir, err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		var e Entry
		if err := pipeline.ReadJSON(filepath.Join(q.baseDir, de.Name()), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
