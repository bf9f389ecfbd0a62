// Package db implements JobStore: durable storage for jobs, simulations,
// idempotency keys and workers, with the atomic/CAS primitives the rest of
// the system relies on for its consistency guarantees.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"simbatch/internal/model"
	"simbatch/internal/statemachine"
)

// ErrIdempotencyConflict is returned by CreateJob when a concurrent create
// won the race for the same idempotency key; the caller should re-read via
// GetJob using the key's jobId.
var ErrIdempotencyConflict = errors.New("idempotency key conflict")

// Store is the sqlite-backed JobStore.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database handle.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// CreateJobParams are the inputs to CreateJob.
type CreateJobParams struct {
	DeckIDs           [4]string
	DeckSnapshot      [4]model.Deck
	RequestedSims     int
	GamesPerContainer int
	TotalSimCount     int
	IdempotencyKey    string
	CreatedBy         string
}

// CreateJob creates a job, atomically honoring an idempotency key: if the
// key already maps to a job, that job is returned unchanged and created is
// false; otherwise a new job and key record are created in one transaction
// and created is true. Callers that fan out work (publishing tasks,
// initializing simulations) must gate that fan-out on created, since a
// repeat call with the same key must not repeat it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (job model.Job, created bool, err error) {
	if p.IdempotencyKey != "" {
		if existing, ok, err := s.jobByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return model.Job{}, false, err
		} else if ok {
			return existing, false, nil
		}
	}

	job = model.Job{
		ID:                uuid.NewString(),
		DeckIDs:           p.DeckIDs,
		DeckSnapshot:      p.DeckSnapshot,
		RequestedSims:     p.RequestedSims,
		GamesPerContainer: p.GamesPerContainer,
		TotalSimCount:     p.TotalSimCount,
		Status:            model.JobQueued,
		CreatedAt:         time.Now().UTC(),
		IdempotencyKey:    p.IdempotencyKey,
		CreatedBy:         p.CreatedBy,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, false, err
	}
	defer tx.Rollback()

	deckIDsJSON, _ := json.Marshal(job.DeckIDs)
	deckSnapJSON, _ := json.Marshal(job.DeckSnapshot)

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(
		id, deck_ids, deck_snapshot, requested_sims, games_per_container, total_sim_count,
		completed_sim_count, status, created_at, retry_count, idempotency_key, created_by
	) VALUES (?,?,?,?,?,?,0,?,?,0,?,?)`,
		job.ID, string(deckIDsJSON), string(deckSnapJSON), job.RequestedSims, job.GamesPerContainer,
		job.TotalSimCount, string(job.Status), job.CreatedAt, nullString(job.IdempotencyKey), job.CreatedBy)
	if err != nil {
		if p.IdempotencyKey != "" && isUniqueViolation(err) {
			tx.Rollback()
			if existing, ok, ferr := s.jobByIdempotencyKey(ctx, p.IdempotencyKey); ferr == nil && ok {
				return existing, false, nil
			}
			return model.Job{}, false, ErrIdempotencyConflict
		}
		return model.Job{}, false, err
	}

	if p.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx, `INSERT INTO idempotency_keys(key, job_id, created_at) VALUES (?,?,?)`,
			p.IdempotencyKey, job.ID, job.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				tx.Rollback()
				if existing, ok, ferr := s.jobByIdempotencyKey(ctx, p.IdempotencyKey); ferr == nil && ok {
					return existing, false, nil
				}
				return model.Job{}, false, ErrIdempotencyConflict
			}
			return model.Job{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

func (s *Store) jobByIdempotencyKey(ctx context.Context, key string) (model.Job, bool, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `SELECT job_id FROM idempotency_keys WHERE key=?`, key).Scan(&jobID)
	if err == sql.ErrNoRows {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const jobColumns = `id, deck_ids, deck_snapshot, requested_sims, games_per_container, total_sim_count,
	completed_sim_count, status, created_at, claimed_at, started_at, completed_at, worker_id, worker_name,
	error_message, retry_count, container_durations_ms, IFNULL(idempotency_key,''), created_by`

func scanJob(row interface{ Scan(...any) error }) (model.Job, error) {
	var j model.Job
	var deckIDsJSON, deckSnapJSON string
	var claimedAt, startedAt, completedAt sql.NullTime
	var workerID, workerName, errMsg, durationsJSON sql.NullString
	if err := row.Scan(
		&j.ID, &deckIDsJSON, &deckSnapJSON, &j.RequestedSims, &j.GamesPerContainer, &j.TotalSimCount,
		&j.CompletedSimCount, &j.Status, &j.CreatedAt, &claimedAt, &startedAt, &completedAt,
		&workerID, &workerName, &errMsg, &j.RetryCount, &durationsJSON, &j.IdempotencyKey, &j.CreatedBy,
	); err != nil {
		return model.Job{}, err
	}
	_ = json.Unmarshal([]byte(deckIDsJSON), &j.DeckIDs)
	_ = json.Unmarshal([]byte(deckSnapJSON), &j.DeckSnapshot)
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	j.WorkerID = workerID.String
	j.WorkerName = workerName.String
	j.ErrorMessage = errMsg.String
	if durationsJSON.Valid && durationsJSON.String != "" {
		_ = json.Unmarshal([]byte(durationsJSON.String), &j.ContainerDurationsMs)
	}
	return j, nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, fmt.Errorf("job %s: %w", jobID, sql.ErrNoRows)
	}
	return j, err
}

// ListJobs returns every job, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListActiveJobs returns jobs with status in {QUEUED, RUNNING}.
func (s *Store) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (?,?) ORDER BY created_at ASC`,
		string(model.JobQueued), string(model.JobRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InitializeSimulations creates count PENDING sim records for jobId,
// indexed 0..count-1. Idempotent: if simulations already exist for this
// job, it is a no-op.
func (s *Store) InitializeSimulations(ctx context.Context, jobID string, count int) error {
	var existing int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM simulations WHERE job_id=?`, jobID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := 0; i < count; i++ {
		simID := fmt.Sprintf("sim_%03d", i)
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO simulations(job_id, sim_id, idx, state) VALUES (?,?,?,?)`,
			jobID, simID, i, string(model.SimPending))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const simColumns = `job_id, sim_id, idx, state, worker_id, worker_name, started_at, completed_at,
	duration_ms, error_message, winners, winning_turns`

func scanSim(row interface{ Scan(...any) error }) (model.Simulation, error) {
	var sim model.Simulation
	var workerID, workerName, errMsg, winnersJSON, turnsJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationMs sql.NullInt64
	if err := row.Scan(
		&sim.JobID, &sim.SimID, &sim.Index, &sim.State, &workerID, &workerName,
		&startedAt, &completedAt, &durationMs, &errMsg, &winnersJSON, &turnsJSON,
	); err != nil {
		return model.Simulation{}, err
	}
	sim.WorkerID = workerID.String
	sim.WorkerName = workerName.String
	sim.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		sim.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sim.CompletedAt = &t
	}
	if durationMs.Valid {
		v := durationMs.Int64
		sim.DurationMs = &v
	}
	if winnersJSON.Valid && winnersJSON.String != "" {
		_ = json.Unmarshal([]byte(winnersJSON.String), &sim.Winners)
	}
	if turnsJSON.Valid && turnsJSON.String != "" {
		_ = json.Unmarshal([]byte(turnsJSON.String), &sim.WinningTurns)
	}
	return sim, nil
}

// GetSimulation returns one simulation of a job.
func (s *Store) GetSimulation(ctx context.Context, jobID, simID string) (model.Simulation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+simColumns+` FROM simulations WHERE job_id=? AND sim_id=?`, jobID, simID)
	return scanSim(row)
}

// ListSimulations returns all simulations of a job ordered by index.
func (s *Store) ListSimulations(ctx context.Context, jobID string) ([]model.Simulation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+simColumns+` FROM simulations WHERE job_id=? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Simulation
	for rows.Next() {
		sim, err := scanSim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, rows.Err()
}

func patchSetClause(patch model.SimulationPatch) (string, []any) {
	var sets []string
	var args []any
	if patch.State != nil {
		sets = append(sets, "state=?")
		args = append(args, string(*patch.State))
	}
	if patch.WorkerID != nil {
		sets = append(sets, "worker_id=?")
		args = append(args, *patch.WorkerID)
	}
	if patch.WorkerName != nil {
		sets = append(sets, "worker_name=?")
		args = append(args, *patch.WorkerName)
	}
	if patch.DurationMs != nil {
		sets = append(sets, "duration_ms=?")
		args = append(args, *patch.DurationMs)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message=?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.Winners != nil {
		b, _ := json.Marshal(patch.Winners)
		sets = append(sets, "winners=?")
		args = append(args, string(b))
	}
	if patch.WinningTurns != nil {
		b, _ := json.Marshal(patch.WinningTurns)
		sets = append(sets, "winning_turns=?")
		args = append(args, string(b))
	}
	if patch.State != nil {
		switch *patch.State {
		case model.SimRunning:
			sets = append(sets, "started_at=?")
			args = append(args, time.Now().UTC())
		case model.SimCompleted, model.SimFailed, model.SimCancelled:
			sets = append(sets, "completed_at=?")
			args = append(args, time.Now().UTC())
		}
	}
	return strings.Join(sets, ", "), args
}

// UpdateSimulationStatus unconditionally applies patch. Used only for
// non-terminal transitions.
func (s *Store) UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch model.SimulationPatch) error {
	set, args := patchSetClause(patch)
	if set == "" {
		return nil
	}
	args = append(args, jobID, simID)
	_, err := s.db.ExecContext(ctx, `UPDATE simulations SET `+set+` WHERE job_id=? AND sim_id=?`, args...)
	return err
}

// ConditionalUpdateSimulationStatus applies patch only if the simulation's
// current state is one of allowedFrom. Returns true iff the update applied.
// Atomic via a single UPDATE ... WHERE state IN (...) statement.
func (s *Store) ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, allowedFrom []model.SimState, patch model.SimulationPatch) (bool, error) {
	set, args := patchSetClause(patch)
	if set == "" {
		return false, nil
	}
	placeholders := make([]string, len(allowedFrom))
	for i, st := range allowedFrom {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	// args currently: [set-values..., allowedFrom...]; need job/sim id at end
	query := fmt.Sprintf(`UPDATE simulations SET %s WHERE job_id=? AND sim_id=? AND state IN (%s)`,
		set, strings.Join(placeholders, ","))
	// reorder: set-values, jobID, simID, allowedFrom...
	finalArgs := make([]any, 0, len(args)+2)
	finalArgs = append(finalArgs, args[:len(args)-len(allowedFrom)]...)
	finalArgs = append(finalArgs, jobID, simID)
	finalArgs = append(finalArgs, args[len(args)-len(allowedFrom):]...)

	res, err := s.db.ExecContext(ctx, query, finalArgs...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrementCompletedSimCount atomically increments a job's
// completedSimCount and returns the post-increment (completed, total).
func (s *Store) IncrementCompletedSimCount(ctx context.Context, jobID string) (completed, total int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx, `UPDATE jobs SET completed_sim_count = completed_sim_count + 1 WHERE id=?`, jobID); err != nil {
		return 0, 0, err
	}
	if err = tx.QueryRowContext(ctx, `SELECT completed_sim_count, total_sim_count FROM jobs WHERE id=?`, jobID).
		Scan(&completed, &total); err != nil {
		return 0, 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return completed, total, nil
}

func (s *Store) currentJobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, jobID).Scan(&status)
	return model.JobStatus(status), err
}

func (s *Store) transitionJob(ctx context.Context, jobID string, to model.JobStatus, extraSet string, extraArgs []any) error {
	cur, err := s.currentJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if !statemachine.CanJobTransition(cur, to) {
		return nil // no-op, forbidden per StateMachine
	}
	set := "status=?"
	args := []any{string(to)}
	if extraSet != "" {
		set += ", " + extraSet
		args = append(args, extraArgs...)
	}
	args = append(args, jobID)
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id=?`, args...)
	return err
}

// SetJobStartedAt transitions a job to RUNNING and stamps the claiming
// worker, guarded by StateMachine.
func (s *Store) SetJobStartedAt(ctx context.Context, jobID, workerID, workerName string) error {
	return s.transitionJob(ctx, jobID, model.JobRunning, "started_at=?, worker_id=?, worker_name=?",
		[]any{time.Now().UTC(), workerID, workerName})
}

// SetJobCompleted transitions a job to COMPLETED and records container
// durations (written only here and in SetJobFailed, never by a sim PATCH).
func (s *Store) SetJobCompleted(ctx context.Context, jobID string, durations []int64) error {
	b, _ := json.Marshal(durations)
	return s.transitionJob(ctx, jobID, model.JobCompleted, "completed_at=?, container_durations_ms=?",
		[]any{time.Now().UTC(), string(b)})
}

// SetJobFailed transitions a job to FAILED with an error message and
// optional durations collected so far.
func (s *Store) SetJobFailed(ctx context.Context, jobID, msg string, durations []int64) error {
	b, _ := json.Marshal(durations)
	return s.transitionJob(ctx, jobID, model.JobFailed, "completed_at=?, error_message=?, container_durations_ms=?",
		[]any{time.Now().UTC(), msg, string(b)})
}

// UpdateJobStatus performs a bare StateMachine-guarded status transition.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	return s.transitionJob(ctx, jobID, status, "", nil)
}

// CancelJob sets the job CANCELLED and marks its PENDING and RUNNING sims
// CANCELLED, guarded by StateMachine; COMPLETED, FAILED and CANCELLED sims
// are left unchanged.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	cur, err := s.currentJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if !statemachine.CanJobTransition(cur, model.JobCancelled) {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=? WHERE id=?`,
		string(model.JobCancelled), now, jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE simulations SET state=?, completed_at=? WHERE job_id=? AND state NOT IN (?,?,?)`,
		string(model.SimCancelled), now, jobID, string(model.SimCompleted), string(model.SimFailed), string(model.SimCancelled)); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextJob atomically selects the oldest QUEUED job, flips it to
// RUNNING and stamps claimedAt, returning it. Returns sql.ErrNoRows if no
// job is queued.
func (s *Store) ClaimNextJob(ctx context.Context) (model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, err
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status=? ORDER BY created_at ASC LIMIT 1`,
		string(model.JobQueued)).Scan(&jobID)
	if err != nil {
		return model.Job{}, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, claimed_at=? WHERE id=? AND status=?`,
		string(model.JobRunning), now, jobID, string(model.JobQueued)); err != nil {
		return model.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Job{}, err
	}
	return s.GetJob(ctx, jobID)
}

// RecoverStaleJob transitions RUNNING sims whose startedAt predates the
// stale threshold back to FAILED (allowing redelivery), bumping the job's
// retryCount, and fails the job outright once retryCount exceeds
// maxRetries. Returns true if the job is still non-terminal afterward.
func (s *Store) RecoverStaleJob(ctx context.Context, jobID string, staleAfter time.Duration, maxRetries int) (stillActive bool, err error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if statemachine.IsTerminalJob(job.Status) {
		return false, nil
	}

	sims, err := s.ListSimulations(ctx, jobID)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	recovered := 0
	for _, sim := range sims {
		if sim.State != model.SimRunning || sim.StartedAt == nil || sim.StartedAt.After(cutoff) {
			continue
		}
		failed := model.SimFailed
		ok, err := s.ConditionalUpdateSimulationStatus(ctx, jobID, sim.SimID, []model.SimState{model.SimRunning},
			model.SimulationPatch{State: &failed})
		if err != nil {
			return false, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET retry_count = retry_count + 1 WHERE id=?`, jobID); err != nil {
			return false, err
		}
	}

	job, err = s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.RetryCount > maxRetries {
		if err := s.SetJobFailed(ctx, jobID, "max retries exceeded", job.ContainerDurationsMs); err != nil {
			return false, err
		}
		return false, nil
	}
	return !statemachine.IsTerminalJob(job.Status), nil
}

// CountQueuedJobs returns the number of jobs awaiting a worker pull, used as
// the queueDepth figure on GET /workers.
func (s *Store) CountQueuedJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status=?`, string(model.JobQueued)).Scan(&n)
	return n, err
}

// DeleteJob removes a job row.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, jobID)
	return err
}

// DeleteSimulations removes all simulation rows for a job.
func (s *Store) DeleteSimulations(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM simulations WHERE job_id=?`, jobID)
	return err
}
