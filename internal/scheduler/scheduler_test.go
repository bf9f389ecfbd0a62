package scheduler

import (
	"context"
	"testing"
	"time"

	"simbatch/internal/bus"
	"simbatch/internal/config"
	"simbatch/internal/db"
	"simbatch/internal/deckstore"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/ratelimit"
)

type fakeStore struct {
	jobs         map[string]model.Job
	byKey        map[string]string
	initCalls    map[string]int
	nextID       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]model.Job), byKey: make(map[string]string), initCalls: make(map[string]int)}
}

func (f *fakeStore) CreateJob(ctx context.Context, p db.CreateJobParams) (model.Job, bool, error) {
	if p.IdempotencyKey != "" {
		if id, ok := f.byKey[p.IdempotencyKey]; ok {
			return f.jobs[id], false, nil
		}
	}
	f.nextID++
	id := string(rune('A' + f.nextID))
	j := model.Job{
		ID: id, DeckIDs: p.DeckIDs, DeckSnapshot: p.DeckSnapshot, RequestedSims: p.RequestedSims,
		TotalSimCount: p.TotalSimCount, Status: model.JobQueued, IdempotencyKey: p.IdempotencyKey, CreatedBy: p.CreatedBy,
	}
	f.jobs[id] = j
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = id
	}
	return j, true, nil
}

func (f *fakeStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	var out []model.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) InitializeSimulations(ctx context.Context, jobID string, count int) error {
	f.initCalls[jobID]++
	return nil
}

type fakeAggregator struct{ dispatched []string }

func (a *fakeAggregator) Dispatch(jobID string) { a.dispatched = append(a.dispatched, jobID) }

type fakeRecovery struct{ scheduled []string }

func (r *fakeRecovery) ScheduleCheck(jobID string, at time.Time) { r.scheduled = append(r.scheduled, jobID) }

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStore, *bus.MemoryBus) {
	t.Helper()
	store := newFakeStore()
	mb := bus.NewMemoryBus()
	decks := deckstore.New(deckstore.StaticResolver{Decks: map[string]model.Deck{
		"a": {Name: "A"}, "b": {Name: "B"}, "c": {Name: "C"}, "d": {Name: "D"},
	}}, time.Minute)
	cfg := config.Config{SimMax: 100, ParMax: 16, GamesPerContainer: 4, TRecovery: 600 * time.Second}
	sched := New(store, decks, mb, progress.New(), ratelimit.New(1000, 1000), &fakeAggregator{}, &fakeRecovery{}, cfg)
	return sched, store, mb
}

func TestCreateJobIdempotentSameKeyReturnsSameID(t *testing.T) {
	sched, store, mb := newTestScheduler(t)
	ctx := context.Background()
	req := CreateJobRequest{DeckIDs: [4]string{"a", "b", "c", "d"}, RequestedSims: 4, IdempotencyKey: "k1"}

	r1, err := sched.CreateJob(ctx, req, "user-1")
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	r2, err := sched.CreateJob(ctx, req, "user-1")
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if r1.JobID != r2.JobID {
		t.Fatalf("expected same job id, got %s and %s", r1.JobID, r2.JobID)
	}

	if got := store.initCalls[r1.JobID]; got != 1 {
		t.Fatalf("expected InitializeSimulations called once, got %d", got)
	}

	count := 0
	for {
		if _, ok := mb.TryPop(); !ok {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 task published for the idempotency key, got %d", count)
	}
}

func TestCreateJobRejectsOutOfRangeSims(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	_, err := sched.CreateJob(context.Background(), CreateJobRequest{
		DeckIDs: [4]string{"a", "b", "c", "d"}, RequestedSims: 0,
	}, "user-1")
	if err == nil {
		t.Fatal("expected error for requestedSims=0")
	}
}

func TestCreateJobComputesTotalSimCount(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	res, err := sched.CreateJob(context.Background(), CreateJobRequest{
		DeckIDs: [4]string{"a", "b", "c", "d"}, RequestedSims: 1,
	}, "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job := store.jobs[res.JobID]
	if job.TotalSimCount != 1 {
		t.Fatalf("totalSimCount = %d, want 1 (ceil(1/4))", job.TotalSimCount)
	}
}

func TestCreateJobRespectsRateLimit(t *testing.T) {
	store := newFakeStore()
	mb := bus.NewMemoryBus()
	decks := deckstore.New(deckstore.StaticResolver{Decks: map[string]model.Deck{
		"a": {Name: "A"}, "b": {Name: "B"}, "c": {Name: "C"}, "d": {Name: "D"},
	}}, time.Minute)
	cfg := config.Config{SimMax: 100, ParMax: 16, GamesPerContainer: 4}
	sched := New(store, decks, mb, progress.New(), ratelimit.New(1, 1), &fakeAggregator{}, &fakeRecovery{}, cfg)

	_, err := sched.CreateJob(context.Background(), CreateJobRequest{
		DeckIDs: [4]string{"a", "b", "c", "d"}, RequestedSims: 1,
	}, "user-1")
	if err != nil {
		t.Fatalf("first create should succeed: %v", err)
	}
	_, err = sched.CreateJob(context.Background(), CreateJobRequest{
		DeckIDs: [4]string{"a", "b", "c", "d"}, RequestedSims: 1,
	}, "user-1")
	if err == nil {
		t.Fatal("expected rate limit error on second call")
	}
}

func TestListJobsDispatchesAggregationForStuckJobs(t *testing.T) {
	store := newFakeStore()
	mb := bus.NewMemoryBus()
	decks := deckstore.New(deckstore.StaticResolver{}, time.Minute)
	cfg := config.Config{SimMax: 100, ParMax: 16, GamesPerContainer: 4}
	agg := &fakeAggregator{}
	sched := New(store, decks, mb, progress.New(), ratelimit.New(1000, 1000), agg, &fakeRecovery{}, cfg)

	store.jobs["stuck"] = model.Job{ID: "stuck", Status: model.JobRunning, TotalSimCount: 2, CompletedSimCount: 2}
	store.jobs["running"] = model.Job{ID: "running", Status: model.JobRunning, TotalSimCount: 2, CompletedSimCount: 1}

	summaries, err := sched.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byID := map[string]model.JobSummary{}
	for _, s := range summaries {
		byID[s.ID] = s
	}
	if byID["stuck"].EffectiveStatus != model.JobCompleted {
		t.Fatalf("stuck job effective status = %s, want COMPLETED", byID["stuck"].EffectiveStatus)
	}
	if byID["running"].EffectiveStatus != model.JobRunning {
		t.Fatalf("running job effective status = %s, want RUNNING", byID["running"].EffectiveStatus)
	}
	if len(agg.dispatched) != 1 || agg.dispatched[0] != "stuck" {
		t.Fatalf("expected aggregation dispatched for 'stuck' only, got %v", agg.dispatched)
	}
}
