// Package scheduler implements Scheduler: job creation, sim fan-out, and
// list-with-effective-status (§4.4).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"simbatch/internal/bus"
	"simbatch/internal/config"
	"simbatch/internal/db"
	"simbatch/internal/deckstore"
	"simbatch/internal/httpx"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/ratelimit"
)

// JobStore is the subset of db.Store the Scheduler needs.
type JobStore interface {
	CreateJob(ctx context.Context, p db.CreateJobParams) (model.Job, bool, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
	InitializeSimulations(ctx context.Context, jobID string, count int) error
}

// Aggregator is dispatched when a job's effective status resolves to
// COMPLETED ahead of the stored status (§4.4.1).
type Aggregator interface {
	Dispatch(jobID string)
}

// RecoveryScheduler schedules a one-shot recovery check for a job.
type RecoveryScheduler interface {
	ScheduleCheck(jobID string, at time.Time)
}

// CreateJobRequest is the public CreateJob request body.
type CreateJobRequest struct {
	DeckIDs        [4]string
	RequestedSims  int
	Parallelism    int
	IdempotencyKey string
}

// CreateJobResult is the public CreateJob response.
type CreateJobResult struct {
	JobID     string
	DeckNames [4]string
}

// Scheduler implements job creation and listing.
type Scheduler struct {
	store      JobStore
	decks      *deckstore.Store
	taskBus    bus.Bus
	progress   *progress.Bus
	limiter    *ratelimit.Limiter
	aggregator Aggregator
	recovery   RecoveryScheduler
	cfg        config.Config
}

// New constructs a Scheduler wired to its collaborators.
func New(store JobStore, decks *deckstore.Store, taskBus bus.Bus, prog *progress.Bus,
	limiter *ratelimit.Limiter, aggregator Aggregator, recovery RecoveryScheduler, cfg config.Config) *Scheduler {
	return &Scheduler{
		store: store, decks: decks, taskBus: taskBus, progress: prog,
		limiter: limiter, aggregator: aggregator, recovery: recovery, cfg: cfg,
	}
}

// CreateJob validates, persists and fans out a new job. Every step is safe
// to repeat under retry: the idempotency key guarantees at most one Job row
// and the caller can retry a failed publish via RecoveryService.
func (s *Scheduler) CreateJob(ctx context.Context, req CreateJobRequest, callerID string) (CreateJobResult, error) {
	if req.RequestedSims < 1 || req.RequestedSims > s.cfg.SimMax {
		return CreateJobResult{}, httpx.BadRequest(fmt.Sprintf("simulations must be in [1,%d]", s.cfg.SimMax))
	}
	parallelism := req.Parallelism
	if parallelism == 0 {
		parallelism = s.cfg.ParMax
	}
	if parallelism < 1 || parallelism > s.cfg.ParMax {
		return CreateJobResult{}, httpx.BadRequest(fmt.Sprintf("parallelism must be in [1,%d]", s.cfg.ParMax))
	}

	if !s.limiter.AllowN(callerID, req.RequestedSims) {
		return CreateJobResult{}, httpx.RateLimited("sim budget exceeded")
	}

	deckSnapshot, err := s.decks.ResolveAll(ctx, req.DeckIDs)
	if err != nil {
		return CreateJobResult{}, httpx.BadRequest(fmt.Sprintf("deck resolution failed: %v", err))
	}

	totalSims := ceilDiv(req.RequestedSims, s.cfg.GamesPerContainer)

	job, created, err := s.store.CreateJob(ctx, db.CreateJobParams{
		DeckIDs:           req.DeckIDs,
		DeckSnapshot:      deckSnapshot,
		RequestedSims:     req.RequestedSims,
		GamesPerContainer: s.cfg.GamesPerContainer,
		TotalSimCount:     totalSims,
		IdempotencyKey:    req.IdempotencyKey,
		CreatedBy:         callerID,
	})
	if err != nil {
		return CreateJobResult{}, httpx.Upstream(fmt.Sprintf("create job: %v", err))
	}

	// A repeat call with the same idempotency key returns the job that
	// already went through fan-out; initializing sims, publishing tasks and
	// scheduling a recovery check again would duplicate all of it.
	if !created {
		return CreateJobResult{JobID: job.ID, DeckNames: job.DeckNames()}, nil
	}

	if err := s.store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
		return CreateJobResult{}, httpx.Upstream(fmt.Sprintf("initialize simulations: %v", err))
	}

	if err := s.taskBus.PublishSimulationTasks(ctx, job.ID, job.TotalSimCount); err != nil {
		// the job is already persisted; RecoveryService will republish when
		// the job's scheduled recovery check runs, so this is not a fatal
		// error for the caller.
		_ = err
	}

	if s.recovery != nil {
		s.recovery.ScheduleCheck(job.ID, time.Now().Add(s.cfg.TRecovery))
	}
	if s.progress != nil {
		s.progress.PublishJob(job)
	}

	return CreateJobResult{JobID: job.ID, DeckNames: job.DeckNames()}, nil
}

// ListJobs returns every job with its effective status applied (§4.4.1),
// dispatching background aggregation for any job whose counter has
// saturated without reaching COMPLETED.
func (s *Scheduler) ListJobs(ctx context.Context) ([]model.JobSummary, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, httpx.Upstream(fmt.Sprintf("list jobs: %v", err))
	}
	out := make([]model.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		eff := j.Status
		if j.Status == model.JobRunning && j.TotalSimCount > 0 && j.CompletedSimCount >= j.TotalSimCount {
			eff = model.JobCompleted
			if s.aggregator != nil {
				s.aggregator.Dispatch(j.ID)
			}
		}
		out = append(out, model.JobSummary{
			ID: j.ID, Status: j.Status, EffectiveStatus: eff,
			TotalSimCount: j.TotalSimCount, CompletedSimCount: j.CompletedSimCount,
			CreatedAt: j.CreatedAt, CreatedBy: j.CreatedBy,
		})
	}
	return out, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
