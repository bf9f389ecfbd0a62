// Package simreporter implements SimReporter: it receives per-simulation
// state updates from workers, enforces the state machine and anti-regression
// guards, drives the completedSimCount counter, and dispatches aggregation
// once a job's counter saturates (§4.5).
package simreporter

import (
	"context"
	"fmt"

	"simbatch/internal/httpx"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/statemachine"
)

// JobStore is the subset of db.Store SimReporter needs.
type JobStore interface {
	GetSimulation(ctx context.Context, jobID, simID string) (model.Simulation, error)
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch model.SimulationPatch) error
	ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, allowedFrom []model.SimState, patch model.SimulationPatch) (bool, error)
	IncrementCompletedSimCount(ctx context.Context, jobID string) (completed, total int, err error)
	SetJobStartedAt(ctx context.Context, jobID, workerID, workerName string) error
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
}

// Aggregator is dispatched, deduplicated per jobId, once a job's counter
// saturates.
type Aggregator interface {
	Dispatch(jobID string)
}

// Result is the response body of UpdateSim (§4.5, "{updated:false,
// reason:...}" on no-op paths).
type Result struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
}

// Reporter is the SimReporter implementation.
type Reporter struct {
	store      JobStore
	aggregator Aggregator
	progress   *progress.Bus
}

// New constructs a Reporter.
func New(store JobStore, aggregator Aggregator, prog *progress.Bus) *Reporter {
	return &Reporter{store: store, aggregator: aggregator, progress: prog}
}

// UpdateSim applies patch to (jobId, simId) on behalf of a worker caller,
// following the 8-step algorithm in §4.5.
func (r *Reporter) UpdateSim(ctx context.Context, jobID, simID string, patch model.SimulationPatch) (Result, error) {
	current, err := r.store.GetSimulation(ctx, jobID, simID)
	if err != nil {
		return Result{}, httpx.NotFound(fmt.Sprintf("simulation %s/%s not found", jobID, simID))
	}

	// Step 1: defeat redelivered stale messages against an already-terminal sim.
	if statemachine.IsTerminalSim(current.State) && patch.State != nil {
		return Result{Updated: false, Reason: "terminal_state"}, nil
	}

	// Step 2: validate the requested transition.
	if patch.State != nil && !statemachine.CanSimTransition(current.State, *patch.State) {
		return Result{}, httpx.BadRequest(fmt.Sprintf("illegal transition %s -> %s", current.State, *patch.State))
	}

	var updated bool
	if patch.State != nil && statemachine.IsTerminalSim(*patch.State) {
		// Step 4: terminal targets go through a CAS; losing the race is an
		// idempotent no-op, not an error.
		ok, err := r.store.ConditionalUpdateSimulationStatus(ctx, jobID, simID,
			[]model.SimState{model.SimPending, model.SimRunning, model.SimFailed}, patch)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Updated: false, Reason: "terminal_state"}, nil
		}
		updated = true
	} else {
		// Step 5: non-terminal targets (including no state change) apply
		// unconditionally.
		if err := r.store.UpdateSimulationStatus(ctx, jobID, simID, patch); err != nil {
			return Result{}, err
		}
		updated = true
	}

	// Step 6: auto-promote the job on the first sim to go RUNNING.
	if patch.State != nil && *patch.State == model.SimRunning {
		job, err := r.store.GetJob(ctx, jobID)
		if err == nil && job.Status == model.JobQueued {
			workerID, workerName := current.WorkerID, current.WorkerName
			if patch.WorkerID != nil {
				workerID = *patch.WorkerID
			}
			if patch.WorkerName != nil {
				workerName = *patch.WorkerName
			}
			if err := r.store.SetJobStartedAt(ctx, jobID, workerID, workerName); err == nil {
				_ = r.store.UpdateJobStatus(ctx, jobID, model.JobRunning)
			}
		}
	}

	// Step 7: on a successful terminal CAS, advance the counter and dispatch
	// aggregation once the job saturates.
	if patch.State != nil && statemachine.IsTerminalSim(*patch.State) {
		completed, total, err := r.store.IncrementCompletedSimCount(ctx, jobID)
		if err != nil {
			return Result{}, err
		}
		if total > 0 && completed >= total && r.aggregator != nil {
			r.aggregator.Dispatch(jobID)
		}
	}

	// Step 8: emit ProgressBus events for both sim and job.
	if r.progress != nil {
		if sim, err := r.store.GetSimulation(ctx, jobID, simID); err == nil {
			r.progress.PublishSims(jobID, []model.Simulation{sim})
		}
		if job, err := r.store.GetJob(ctx, jobID); err == nil {
			r.progress.PublishJob(job)
		}
	}

	return Result{Updated: updated}, nil
}
