// Package cancellation implements CancellationService: job cancellation,
// worker notification, and partial-result aggregation (§4.8).
package cancellation

import (
	"context"

	"simbatch/internal/httpx"
	"simbatch/internal/model"
	"simbatch/internal/statemachine"
)

// JobStore is the subset of db.Store CancellationService needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

// WorkerRegistry is the subset of workerregistry.Registry CancellationService
// needs to notify in-flight workers.
type WorkerRegistry interface {
	PushToAll(ctx context.Context, path string, body any)
}

// Aggregator is dispatched after a cancellation so any already-completed
// sims contribute their rating data.
type Aggregator interface {
	Dispatch(jobID string)
}

// RecoveryCanceller cancels any pending scheduled recovery check for a job.
type RecoveryCanceller interface {
	CancelScheduledCheck(jobID string)
}

// Service is the CancellationService implementation.
type Service struct {
	store    JobStore
	workers  WorkerRegistry
	agg      Aggregator
	recovery RecoveryCanceller
}

// New constructs a Service. recovery may be nil if no recovery-cancellation
// hook is wired (the scheduled check still no-ops harmlessly on a terminal
// job when it eventually fires).
func New(store JobStore, workers WorkerRegistry, agg Aggregator, recovery RecoveryCanceller) *Service {
	return &Service{store: store, workers: workers, agg: agg, recovery: recovery}
}

// CancelJob cancels jobID, per §4.8.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return httpx.NotFound("job not found")
	}
	if statemachine.IsTerminalJob(job.Status) {
		return httpx.Conflict("job is already in a terminal state")
	}

	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if s.recovery != nil {
		s.recovery.CancelScheduledCheck(jobID)
	}

	if s.workers != nil {
		s.workers.PushToAll(ctx, "/cancel", map[string]string{"jobId": jobID})
	}

	if s.agg != nil {
		s.agg.Dispatch(jobID)
	}

	return nil
}
