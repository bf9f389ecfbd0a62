package workerregistry

import (
	"context"
	"testing"
	"time"

	"simbatch/internal/model"
	"simbatch/internal/workerclient"
)

type fakeStore struct {
	workers map[string]model.Worker
}

func newFakeStore() *fakeStore { return &fakeStore{workers: make(map[string]model.Worker)} }

func (f *fakeStore) UpsertWorker(ctx context.Context, w model.Worker) (*int, error) {
	existing, ok := f.workers[w.WorkerID]
	if ok {
		w.MaxConcurrentOverride = existing.MaxConcurrentOverride
	}
	f.workers[w.WorkerID] = w
	return w.MaxConcurrentOverride, nil
}

func (f *fakeStore) GetWorker(ctx context.Context, workerID string) (model.Worker, error) {
	w, ok := f.workers[workerID]
	if !ok {
		return model.Worker{}, errNotFound
	}
	return w, nil
}

func (f *fakeStore) ListActiveWorkers(ctx context.Context, ttl time.Duration) ([]model.Worker, error) {
	var out []model.Worker
	now := time.Now().UTC()
	for _, w := range f.workers {
		if w.Active(now, ttl) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) SetMaxConcurrentOverride(ctx context.Context, workerID string, n *int) error {
	w := f.workers[workerID]
	w.MaxConcurrentOverride = n
	f.workers[workerID] = w
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var errNotFound = simpleErr("not found")

func TestHeartbeatPreservesOverride(t *testing.T) {
	store := newFakeStore()
	reg := New(store, workerclient.New("secret"), 45*time.Second)
	ctx := context.Background()

	n := 7
	store.workers["w1"] = model.Worker{WorkerID: "w1", MaxConcurrentOverride: &n}

	override, err := reg.Heartbeat(ctx, model.Worker{WorkerID: "w1", WorkerName: "worker-1"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if override == nil || *override != 7 {
		t.Fatalf("expected override preserved as 7, got %v", override)
	}
}

func TestListActiveExcludesStale(t *testing.T) {
	store := newFakeStore()
	reg := New(store, workerclient.New("secret"), time.Minute)
	ctx := context.Background()

	store.workers["fresh"] = model.Worker{WorkerID: "fresh", LastHeartbeat: time.Now().UTC()}
	store.workers["stale"] = model.Worker{WorkerID: "stale", LastHeartbeat: time.Now().UTC().Add(-time.Hour)}

	active, err := reg.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].WorkerID != "fresh" {
		t.Fatalf("expected only 'fresh' active, got %+v", active)
	}
}

func TestSetMaxConcurrentOverrideRequiresOwnerMatch(t *testing.T) {
	store := newFakeStore()
	reg := New(store, workerclient.New("secret"), time.Minute)
	ctx := context.Background()
	store.workers["w1"] = model.Worker{WorkerID: "w1", OwnerEmail: "owner@example.com"}

	n := 3
	if err := reg.SetMaxConcurrentOverride(ctx, "w1", &n, "someone-else@example.com"); err == nil {
		t.Fatal("expected error for non-owner caller")
	}
	if err := reg.SetMaxConcurrentOverride(ctx, "w1", &n, "owner@example.com"); err != nil {
		t.Fatalf("expected owner call to succeed: %v", err)
	}
}
