// Package workerregistry implements WorkerRegistry: heartbeat ingestion,
// liveness tracking, and per-worker config push (§4.9).
package workerregistry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"simbatch/internal/httpx"
	"simbatch/internal/model"
	"simbatch/internal/workerclient"
)

// Store is the subset of JobStore's worker operations WorkerRegistry needs.
type Store interface {
	UpsertWorker(ctx context.Context, w model.Worker) (*int, error)
	GetWorker(ctx context.Context, workerID string) (model.Worker, error)
	ListActiveWorkers(ctx context.Context, ttl time.Duration) ([]model.Worker, error)
	SetMaxConcurrentOverride(ctx context.Context, workerID string, n *int) error
}

// Registry is the WorkerRegistry implementation.
type Registry struct {
	store        Store
	client       *workerclient.Client
	heartbeatTTL time.Duration
}

// New creates a Registry backed by store, pushing via client.
func New(store Store, client *workerclient.Client, heartbeatTTL time.Duration) *Registry {
	return &Registry{store: store, client: client, heartbeatTTL: heartbeatTTL}
}

// Heartbeat upserts a worker's registration and returns its current
// maxConcurrentOverride, if any.
func (r *Registry) Heartbeat(ctx context.Context, w model.Worker) (*int, error) {
	w.LastHeartbeat = time.Now().UTC()
	return r.store.UpsertWorker(ctx, w)
}

// ListActive returns workers whose last heartbeat is within the TTL.
func (r *Registry) ListActive(ctx context.Context) ([]model.Worker, error) {
	return r.store.ListActiveWorkers(ctx, r.heartbeatTTL)
}

// SetMaxConcurrentOverride persists an override for workerID, gated by the
// caller's identity matching the worker's registered ownerEmail, then
// best-effort pushes the new value to the worker.
func (r *Registry) SetMaxConcurrentOverride(ctx context.Context, workerID string, n *int, callerEmail string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return httpx.NotFound("worker not found")
	}
	if w.OwnerEmail == "" || w.OwnerEmail != callerEmail {
		return httpx.Forbidden("caller does not own this worker")
	}
	if err := r.store.SetMaxConcurrentOverride(ctx, workerID, n); err != nil {
		return err
	}
	if w.WorkerAPIURL != "" && r.client != nil {
		if err := r.client.Push(ctx, w.WorkerAPIURL, "/config", map[string]any{"maxConcurrentOverride": n}); err != nil {
			log.Warn().Str("workerId", workerID).Err(err).Msg("best-effort override push failed")
		}
	}
	return nil
}

// PushToAll fire-and-forgets path/body to every active worker, aggregating
// failures into logs only; a single worker's failure never fails the call.
func (r *Registry) PushToAll(ctx context.Context, path string, body any) {
	workers, err := r.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("pushToAll: list active workers failed")
		return
	}
	var wg sync.WaitGroup
	for _, w := range workers {
		if w.WorkerAPIURL == "" {
			continue
		}
		wg.Add(1)
		go func(w model.Worker) {
			defer wg.Done()
			if err := r.client.Push(ctx, w.WorkerAPIURL, path, body); err != nil {
				log.Warn().Str("workerId", w.WorkerID).Str("path", path).Err(err).Msg("pushToAll: worker push failed")
			}
		}(w)
	}
	wg.Wait()
}

// PushToWorker pushes path/body to a single worker by id, best-effort.
func (r *Registry) PushToWorker(ctx context.Context, workerID, path string, body any) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return httpx.NotFound("worker not found")
	}
	if w.WorkerAPIURL == "" {
		return nil
	}
	return r.client.Push(ctx, w.WorkerAPIURL, path, body)
}
