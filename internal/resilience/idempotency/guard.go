// Package idempotency implements the fingerprint claim/release guard:
// duplicate webhook deliveries (or duplicate pipeline-run requests) must
// not start a second run while the first is in flight.
package idempotency

import (
	"fmt"
	"sync"

	"github.com/forgepipe/conductor/internal/pipeline"
)

type claimSet struct {
	Fingerprints []string `json:"fingerprints"`
}

// Guard claims/releases fingerprints, persisting the claimed set so a
// restart doesn't forget what was in flight.
type Guard struct {
	path string

	mu     sync.Mutex
	claims map[string]bool
}

// NewGuard builds a Guard persisting to path, loading any claims already on
// disk (e.g. from before a restart).
func NewGuard(path string) (*Guard, error) {
	g := &Guard{path: path, claims: make(map[string]bool)}

	var saved claimSet
	if err := pipeline.ReadJSON(path, &saved); err == nil {
		for _, fp := range saved.Fingerprints {
			g.claims[fp] = true
		}
	}
	return g, nil
}

// Claim reports whether fingerprint was newly claimed. A fingerprint
// already held returns false without re-persisting.
func (g *Guard) Claim(fingerprint string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.claims[fingerprint] {
		return false, nil
	}
	g.claims[fingerprint] = true
	if err := g.persist(); err != nil {
		delete(g.claims, fingerprint)
		return false, fmt.Errorf("idempotency: persist claim: %w", err)
	}
	return true, nil
}

// Release drops a held claim. Releasing a fingerprint not currently held is
// a no-op.
func (g *Guard) Release(fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.claims[fingerprint] {
		return nil
	}
	delete(g.claims, fingerprint)
	if err := g.persist(); err != nil {
		g.claims[fingerprint] = true
		return fmt.Errorf("idempotency: persist release: %w", err)
	}
	return nil
}

// IsClaimed reports whether fingerprint is currently held.
func (g *Guard) IsClaimed(fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.claims[fingerprint]
}

func (g *Guard) persist() error {
	fingerprints := make([]string, 0, len(g.claims))
	for fp := range g.claims {
		fingerprints = append(fingerprints, fp)
	}
	return pipeline.WriteJSON(g.path, claimSet{Fingerprints: fingerprints})
}

// TerminalEventTypes are the pipeline events that release a request's
// idempotency claim. "pipeline.stopped" is included alongside the
// completed/failed/error trio: a manually cancelled run will never produce
// a later terminal event, so not releasing here would wedge the fingerprint
// permanently.
var TerminalEventTypes = []string{
	"pipeline.completed",
	"pipeline.failed",
	"pipeline.error",
	"pipeline.stopped",
}
