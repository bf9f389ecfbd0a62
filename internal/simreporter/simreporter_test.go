package simreporter

import (
	"context"
	"testing"

	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/statemachine"
)

type fakeStore struct {
	sims map[string]model.Simulation
	jobs map[string]model.Job
}

func key(jobID, simID string) string { return jobID + "/" + simID }

func newFakeStore() *fakeStore {
	return &fakeStore{sims: make(map[string]model.Simulation), jobs: make(map[string]model.Job)}
}

func (f *fakeStore) GetSimulation(ctx context.Context, jobID, simID string) (model.Simulation, error) {
	return f.sims[key(jobID, simID)], nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	return f.jobs[jobID], nil
}

func (f *fakeStore) UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch model.SimulationPatch) error {
	sim := f.sims[key(jobID, simID)]
	applyPatch(&sim, patch)
	f.sims[key(jobID, simID)] = sim
	return nil
}

func (f *fakeStore) ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, allowedFrom []model.SimState, patch model.SimulationPatch) (bool, error) {
	sim := f.sims[key(jobID, simID)]
	allowed := false
	for _, st := range allowedFrom {
		if sim.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	applyPatch(&sim, patch)
	f.sims[key(jobID, simID)] = sim
	return true, nil
}

func (f *fakeStore) IncrementCompletedSimCount(ctx context.Context, jobID string) (int, int, error) {
	job := f.jobs[jobID]
	job.CompletedSimCount++
	f.jobs[jobID] = job
	return job.CompletedSimCount, job.TotalSimCount, nil
}

func (f *fakeStore) SetJobStartedAt(ctx context.Context, jobID, workerID, workerName string) error {
	job := f.jobs[jobID]
	job.WorkerID, job.WorkerName = workerID, workerName
	f.jobs[jobID] = job
	return nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	job := f.jobs[jobID]
	if !statemachine.CanJobTransition(job.Status, status) {
		return nil
	}
	job.Status = status
	f.jobs[jobID] = job
	return nil
}

func applyPatch(sim *model.Simulation, patch model.SimulationPatch) {
	if patch.State != nil {
		sim.State = *patch.State
	}
	if patch.WorkerID != nil {
		sim.WorkerID = *patch.WorkerID
	}
	if patch.WorkerName != nil {
		sim.WorkerName = *patch.WorkerName
	}
	if patch.Winners != nil {
		sim.Winners = patch.Winners
	}
	if patch.WinningTurns != nil {
		sim.WinningTurns = patch.WinningTurns
	}
}

type fakeAggregator struct{ dispatched []string }

func (a *fakeAggregator) Dispatch(jobID string) { a.dispatched = append(a.dispatched, jobID) }

func statePtr(s model.SimState) *model.SimState { return &s }

// Scenario A: single-container happy path drives the job from QUEUED through
// RUNNING, saturates the counter, and dispatches Aggregator once.
func TestUpdateSimScenarioAHappyPath(t *testing.T) {
	store := newFakeStore()
	store.jobs["job1"] = model.Job{ID: "job1", Status: model.JobQueued, TotalSimCount: 1}
	store.sims[key("job1", "sim_000")] = model.Simulation{JobID: "job1", SimID: "sim_000", State: model.SimPending}
	agg := &fakeAggregator{}
	r := New(store, agg, progress.New())
	ctx := context.Background()

	res, err := r.UpdateSim(ctx, "job1", "sim_000", model.SimulationPatch{State: statePtr(model.SimRunning)})
	if err != nil || !res.Updated {
		t.Fatalf("running transition: res=%+v err=%v", res, err)
	}
	if store.jobs["job1"].Status != model.JobRunning {
		t.Fatalf("job should auto-promote to RUNNING, got %s", store.jobs["job1"].Status)
	}

	res, err = r.UpdateSim(ctx, "job1", "sim_000", model.SimulationPatch{
		State: statePtr(model.SimCompleted), Winners: []string{"a", "b", "c", "a"}, WinningTurns: []int{5, 8, 6, 7},
	})
	if err != nil || !res.Updated {
		t.Fatalf("completed transition: res=%+v err=%v", res, err)
	}
	if len(agg.dispatched) != 1 || agg.dispatched[0] != "job1" {
		t.Fatalf("expected aggregator dispatched once for job1, got %v", agg.dispatched)
	}
	if store.jobs["job1"].CompletedSimCount != 1 {
		t.Fatalf("completedSimCount = %d, want 1", store.jobs["job1"].CompletedSimCount)
	}
}

// Scenario B: a duplicate terminal PATCH after the sim is already terminal
// is a no-op and must not double-increment the counter or re-dispatch.
func TestUpdateSimScenarioBDuplicateTerminalDelivery(t *testing.T) {
	store := newFakeStore()
	store.jobs["job1"] = model.Job{ID: "job1", Status: model.JobRunning, TotalSimCount: 1}
	store.sims[key("job1", "sim_000")] = model.Simulation{JobID: "job1", SimID: "sim_000", State: model.SimCompleted}
	agg := &fakeAggregator{}
	r := New(store, agg, progress.New())
	ctx := context.Background()

	res, err := r.UpdateSim(ctx, "job1", "sim_000", model.SimulationPatch{
		State: statePtr(model.SimCompleted), Winners: []string{"a"},
	})
	if err != nil {
		t.Fatalf("duplicate terminal patch errored: %v", err)
	}
	if res.Updated {
		t.Fatalf("expected updated=false on duplicate terminal delivery, got %+v", res)
	}
	if res.Reason != "terminal_state" {
		t.Fatalf("reason = %q, want terminal_state", res.Reason)
	}
	if store.jobs["job1"].CompletedSimCount != 0 {
		t.Fatalf("completedSimCount must not change on duplicate delivery, got %d", store.jobs["job1"].CompletedSimCount)
	}
	if len(agg.dispatched) != 0 {
		t.Fatalf("aggregator must not be dispatched on duplicate delivery, got %v", agg.dispatched)
	}
}

// Invariant: illegal transitions are rejected, not silently no-op'd.
func TestUpdateSimRejectsIllegalTransition(t *testing.T) {
	store := newFakeStore()
	store.jobs["job1"] = model.Job{ID: "job1", Status: model.JobQueued, TotalSimCount: 1}
	store.sims[key("job1", "sim_000")] = model.Simulation{JobID: "job1", SimID: "sim_000", State: model.SimPending}
	r := New(store, &fakeAggregator{}, progress.New())

	_, err := r.UpdateSim(context.Background(), "job1", "sim_000", model.SimulationPatch{State: statePtr(model.SimCompleted)})
	if err == nil {
		t.Fatal("expected error transitioning PENDING -> COMPLETED directly")
	}
}

// Invariant 6: calling UpdateSim twice with the same terminal patch yields
// the same final completedSimCount (idempotent terminal delivery).
func TestUpdateSimRepeatedTerminalPatchIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.jobs["job1"] = model.Job{ID: "job1", Status: model.JobRunning, TotalSimCount: 1}
	store.sims[key("job1", "sim_000")] = model.Simulation{JobID: "job1", SimID: "sim_000", State: model.SimRunning}
	r := New(store, &fakeAggregator{}, progress.New())
	ctx := context.Background()
	patch := model.SimulationPatch{State: statePtr(model.SimCompleted), Winners: []string{"a"}}

	if _, err := r.UpdateSim(ctx, "job1", "sim_000", patch); err != nil {
		t.Fatalf("first terminal patch: %v", err)
	}
	firstCount := store.jobs["job1"].CompletedSimCount
	if _, err := r.UpdateSim(ctx, "job1", "sim_000", patch); err != nil {
		t.Fatalf("second terminal patch: %v", err)
	}
	if store.jobs["job1"].CompletedSimCount != firstCount {
		t.Fatalf("completedSimCount changed on repeated terminal patch: %d -> %d", firstCount, store.jobs["job1"].CompletedSimCount)
	}
}
