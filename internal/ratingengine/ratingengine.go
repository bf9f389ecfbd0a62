// Package ratingengine is the external collaborator contract for rating
// mathematics: RatingEngine.process(jobId, deckIds, games). Out of scope
// per SPEC_FULL §1; this package defines the interface Aggregator calls and
// a simple in-memory implementation (a per-deck win-count tally) adequate
// for tests and default deployments.
package ratingengine

import (
	"context"
	"sync"

	"simbatch/internal/logstore"
	"simbatch/internal/ratingstore"
)

// Engine updates the rating model from a job's aggregated game results.
type Engine interface {
	Process(ctx context.Context, jobID string, deckIDs [4]string, games []logstore.Game) error
}

// MemoryEngine is a minimal in-process Engine: it tracks a win-count-based
// rating per deck id and marks the job done in a paired ratingstore so
// Aggregator's idempotent re-entry guard works end to end in tests and
// single-node deployments.
type MemoryEngine struct {
	ratings *ratingstore.MemoryStore

	mu     sync.Mutex
	scores map[string]int
}

// NewMemoryEngine creates an Engine paired with the given MemoryStore;
// Process marks jobID done in ratings once it applies results.
func NewMemoryEngine(ratings *ratingstore.MemoryStore) *MemoryEngine {
	return &MemoryEngine{ratings: ratings, scores: make(map[string]int)}
}

func (e *MemoryEngine) Process(ctx context.Context, jobID string, deckIDs [4]string, games []logstore.Game) error {
	e.mu.Lock()
	for _, g := range games {
		for _, winner := range g.Winners {
			e.scores[winner]++
		}
	}
	e.mu.Unlock()
	e.ratings.MarkDone(jobID)
	return nil
}

// Score returns the current tally for a deck name, for tests/inspection.
func (e *MemoryEngine) Score(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scores[name]
}
