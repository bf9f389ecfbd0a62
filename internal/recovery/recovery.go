// Package recovery implements RecoveryService: scheduled and on-demand
// stuck-job detection, stale-sim recovery, and retry rescheduling (§4.7).
package recovery

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"simbatch/internal/bus"
	"simbatch/internal/config"
	"simbatch/internal/model"
	"simbatch/internal/statemachine"
)

// JobStore is the subset of db.Store RecoveryService needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	ListSimulations(ctx context.Context, jobID string) ([]model.Simulation, error)
	RecoverStaleJob(ctx context.Context, jobID string, staleAfter time.Duration, maxRetries int) (stillActive bool, err error)
}

// Aggregator is invoked when RunRecoveryCheck finds a stuck job.
type Aggregator interface {
	Dispatch(jobID string)
}

// Service is the RecoveryService implementation. It owns a gocron scheduler
// that runs one-shot, per-job recovery checks, grounded on the teacher's
// main.go gocron.NewScheduler(time.UTC) + scheduler.Every(...).Do(...) idiom
// (there used for a recurring sweep; here generalized to per-job one-shot
// checks via LimitRunsTo(1)).
type Service struct {
	store   JobStore
	agg     Aggregator
	taskBus bus.Bus
	cfg     config.Config
	cron    *gocron.Scheduler
}

// New constructs a Service and starts its internal scheduler.
func New(store JobStore, agg Aggregator, taskBus bus.Bus, cfg config.Config) *Service {
	cron := gocron.NewScheduler(time.UTC)
	cron.StartAsync()
	return &Service{store: store, agg: agg, taskBus: taskBus, cfg: cfg, cron: cron}
}

// ScheduleCheck schedules a single RunRecoveryCheck(jobID) invocation at at,
// implementing scheduler.RecoveryScheduler.
func (s *Service) ScheduleCheck(jobID string, at time.Time) {
	delay := time.Until(at)
	if delay < time.Second {
		delay = time.Second
	}
	// RemoveByTag first so CancellationService.CancelJob racing a reschedule
	// never leaves two checks pending for the same jobId.
	_ = s.cron.RemoveByTag(jobID)
	_, err := s.cron.Every(uint64(delay.Seconds())).Seconds().WaitForSchedule().LimitRunsTo(1).Tag(jobID).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()
		if err := s.RunRecoveryCheck(ctx, jobID); err != nil {
			log.Error().Str("jobId", jobID).Err(err).Msg("recovery check failed")
		}
	})
	if err != nil {
		log.Error().Str("jobId", jobID).Err(err).Msg("failed to schedule recovery check")
	}
}

// CancelScheduledCheck removes any pending recovery check for jobID,
// implementing cancellation.RecoveryCanceller.
func (s *Service) CancelScheduledCheck(jobID string) {
	if err := s.cron.RemoveByTag(jobID); err != nil {
		log.Debug().Str("jobId", jobID).Err(err).Msg("no scheduled recovery check to cancel")
	}
}

// RunRecoveryCheck implements the §4.7 contract, dispatching aggregation for
// stuck jobs, recovering stale sims otherwise, and rescheduling itself at
// T_RETRY while the job remains non-terminal.
func (s *Service) RunRecoveryCheck(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if statemachine.IsTerminalJob(job.Status) {
		return nil
	}

	if job.Status == model.JobRunning && job.TotalSimCount > 0 && job.CompletedSimCount >= job.TotalSimCount {
		if s.agg != nil {
			s.agg.Dispatch(jobID)
		}
		return nil
	}

	before, err := s.store.ListSimulations(ctx, jobID)
	if err != nil {
		return err
	}
	stillActive, err := s.store.RecoverStaleJob(ctx, jobID, s.cfg.TSimStale, s.cfg.MaxRetries)
	if err != nil {
		return err
	}

	s.republishRecovered(ctx, jobID, before)

	if stillActive {
		s.ScheduleCheck(jobID, time.Now().Add(s.cfg.TRetry))
	}
	return nil
}

// republishRecovered re-publishes a task for every sim that is PENDING, or
// that transitioned to FAILED as part of this recovery pass (comparing
// against the pre-recovery snapshot so sims that were already FAILED before
// this call are not redelivered twice).
func (s *Service) republishRecovered(ctx context.Context, jobID string, before []model.Simulation) {
	wasRunning := make(map[string]bool, len(before))
	for _, sim := range before {
		wasRunning[sim.SimID] = sim.State == model.SimRunning
	}

	after, err := s.store.ListSimulations(ctx, jobID)
	if err != nil {
		log.Error().Str("jobId", jobID).Err(err).Msg("recovery: list simulations for republish failed")
		return
	}
	total := len(after)
	for _, sim := range after {
		switch {
		case sim.State == model.SimPending:
		case sim.State == model.SimFailed && wasRunning[sim.SimID]:
		default:
			continue
		}
		task := bus.Task{JobID: jobID, SimID: sim.SimID, SimIndex: sim.Index, TotalSims: total}
		if err := s.taskBus.PublishTask(ctx, task); err != nil {
			log.Error().Str("jobId", jobID).Str("simId", sim.SimID).Err(err).Msg("recovery: republish failed")
		}
	}
}
