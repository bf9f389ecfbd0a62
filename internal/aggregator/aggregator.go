// Package aggregator implements Aggregator: terminal-state aggregation of a
// job's simulation results into the rating model, idempotent and
// process-local-deduplicated per jobId (§4.6).
package aggregator

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"simbatch/internal/httpx"
	"simbatch/internal/logstore"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/ratingengine"
	"simbatch/internal/ratingstore"
	"simbatch/internal/statemachine"
)

// backgroundTimeout bounds a dispatched aggregation run (§5).
const backgroundTimeout = 120 * time.Second

// JobStore is the subset of db.Store Aggregator needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	ListSimulations(ctx context.Context, jobID string) ([]model.Simulation, error)
	SetJobCompleted(ctx context.Context, jobID string, durations []int64) error
	SetJobFailed(ctx context.Context, jobID, msg string, durations []int64) error
}

// Aggregator runs terminal aggregation for a job, deduplicated by jobId via
// a single singleflight.Group: concurrent Run/Dispatch calls for the same
// jobId collapse into one in-flight execution and share its result, which
// satisfies "at most one invocation of RatingEngine.process per jobId per
// outcome" without a separate soft-lock set.
type Aggregator struct {
	store    JobStore
	ratings  ratingstore.Store
	logs     logstore.Store
	engine   ratingengine.Engine
	progress *progress.Bus

	sf singleflight.Group
}

// New constructs an Aggregator wired to its collaborators.
func New(store JobStore, ratings ratingstore.Store, logs logstore.Store, engine ratingengine.Engine, prog *progress.Bus) *Aggregator {
	return &Aggregator{store: store, ratings: ratings, logs: logs, engine: engine, progress: prog}
}

// Dispatch runs aggregation for jobID in the background, with its own
// bounded timeout independent of any caller's request deadline.
func (a *Aggregator) Dispatch(jobID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		_ = a.Run(ctx, jobID)
	}()
}

// Run executes the aggregation steps in §4.6, synchronously. Safe to call
// concurrently for the same jobId; safe to call repeatedly for an
// already-rated jobId.
func (a *Aggregator) Run(ctx context.Context, jobID string) error {
	_, err, _ := a.sf.Do(jobID, func() (any, error) {
		return nil, a.run(ctx, jobID)
	})
	return err
}

func (a *Aggregator) run(ctx context.Context, jobID string) error {
	// Step 2: already-rated jobs are a cheap no-op; make sure the job is
	// marked COMPLETED if some earlier attempt crashed before that write.
	done, err := a.ratings.HasResultsForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if done {
		job, err := a.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !statemachine.IsTerminalJob(job.Status) {
			if err := a.store.SetJobCompleted(ctx, jobID, job.ContainerDurationsMs); err != nil {
				return err
			}
			a.publishTerminal(ctx, jobID)
		}
		return nil
	}

	// Step 3: every sim must be terminal before aggregating.
	sims, err := a.store.ListSimulations(ctx, jobID)
	if err != nil {
		return err
	}
	for _, sim := range sims {
		if !statemachine.IsTerminalSim(sim.State) {
			return nil
		}
	}

	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	// Step 4: read structured logs; absence of games (e.g. all sims
	// cancelled before starting) still completes the job without rating.
	games, err := a.logs.Structured(ctx, jobID, job.DeckNames())
	if err != nil {
		return a.fail(ctx, jobID, job, err)
	}
	if len(games) == 0 {
		return a.store.SetJobCompleted(ctx, jobID, job.ContainerDurationsMs)
	}

	// Step 5: update the rating model.
	if err := a.engine.Process(ctx, jobID, job.DeckIDs, games); err != nil {
		return a.fail(ctx, jobID, job, err)
	}

	// Step 6: persist completion.
	if err := a.store.SetJobCompleted(ctx, jobID, durationsFromGames(job.ContainerDurationsMs, games)); err != nil {
		return err
	}

	// Step 7: emit the terminal ProgressBus event.
	a.publishTerminal(ctx, jobID)
	return nil
}

func (a *Aggregator) fail(ctx context.Context, jobID string, job model.Job, cause error) error {
	if httpErr, ok := httpx.AsHTTPError(cause); ok && httpErr.Status() < 500 {
		// client-caused/invalid data: unrecoverable, fail the job outright.
		if err := a.store.SetJobFailed(ctx, jobID, cause.Error(), job.ContainerDurationsMs); err != nil {
			return err
		}
		a.publishTerminal(ctx, jobID)
		return nil
	}
	// transient failure: leave status alone so the next trigger retries.
	return cause
}

func (a *Aggregator) publishTerminal(ctx context.Context, jobID string) {
	if a.progress == nil {
		return
	}
	if job, err := a.store.GetJob(ctx, jobID); err == nil {
		a.progress.PublishJob(job)
	}
}

func durationsFromGames(existing []int64, games []logstore.Game) []int64 {
	out := make([]int64, 0, len(existing)+len(games))
	out = append(out, existing...)
	for _, g := range games {
		out = append(out, g.DurationMs)
	}
	return out
}
