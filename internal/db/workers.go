package db

import (
	"context"
	"database/sql"
	"time"

	"simbatch/internal/model"
)

// UpsertWorker creates or updates a worker's heartbeat record. Returns the
// worker's current maxConcurrentOverride (nil if unset), preserved across
// heartbeats.
func (s *Store) UpsertWorker(ctx context.Context, w model.Worker) (*int, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workers(
		worker_id, worker_name, status, capacity, active_simulations, last_heartbeat, worker_api_url, owner_email
	) VALUES (?,?,?,?,?,?,?,?)
	ON CONFLICT(worker_id) DO UPDATE SET
		worker_name=excluded.worker_name,
		status=excluded.status,
		capacity=excluded.capacity,
		active_simulations=excluded.active_simulations,
		last_heartbeat=excluded.last_heartbeat,
		worker_api_url=excluded.worker_api_url,
		owner_email=excluded.owner_email`,
		w.WorkerID, w.WorkerName, string(w.Status), w.Capacity, w.ActiveSimulations,
		w.LastHeartbeat, w.WorkerAPIURL, w.OwnerEmail)
	if err != nil {
		return nil, err
	}
	var override sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max_concurrent_override FROM workers WHERE worker_id=?`, w.WorkerID).
		Scan(&override); err != nil {
		return nil, err
	}
	if !override.Valid {
		return nil, nil
	}
	v := int(override.Int64)
	return &v, nil
}

func scanWorker(row interface{ Scan(...any) error }) (model.Worker, error) {
	var w model.Worker
	var apiURL, ownerEmail sql.NullString
	var override sql.NullInt64
	if err := row.Scan(&w.WorkerID, &w.WorkerName, &w.Status, &w.Capacity, &w.ActiveSimulations,
		&w.LastHeartbeat, &apiURL, &override, &ownerEmail); err != nil {
		return model.Worker{}, err
	}
	w.WorkerAPIURL = apiURL.String
	w.OwnerEmail = ownerEmail.String
	if override.Valid {
		v := int(override.Int64)
		w.MaxConcurrentOverride = &v
	}
	return w, nil
}

const workerColumns = `worker_id, worker_name, status, capacity, active_simulations, last_heartbeat, worker_api_url, max_concurrent_override, owner_email`

// GetWorker returns one worker registration.
func (s *Store) GetWorker(ctx context.Context, workerID string) (model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id=?`, workerID)
	return scanWorker(row)
}

// ListActiveWorkers returns workers whose last heartbeat is within ttl.
func (s *Store) ListActiveWorkers(ctx context.Context, ttl time.Duration) ([]model.Worker, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE last_heartbeat >= ? ORDER BY worker_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListAllWorkers returns every registered worker regardless of liveness.
func (s *Store) ListAllWorkers(ctx context.Context) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetMaxConcurrentOverride persists a per-worker concurrency override, or
// clears it when n is nil.
func (s *Store) SetMaxConcurrentOverride(ctx context.Context, workerID string, n *int) error {
	var val any
	if n != nil {
		val = *n
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET max_concurrent_override=? WHERE worker_id=?`, val, workerID)
	return err
}
