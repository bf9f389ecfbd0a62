package statemachine

import (
	"testing"

	"simbatch/internal/model"
)

func TestCanSimTransition(t *testing.T) {
	cases := []struct {
		from, to model.SimState
		want     bool
	}{
		{model.SimPending, model.SimRunning, true},
		{model.SimPending, model.SimCancelled, true},
		{model.SimPending, model.SimCompleted, false},
		{model.SimRunning, model.SimCompleted, true},
		{model.SimRunning, model.SimFailed, true},
		{model.SimRunning, model.SimCancelled, true},
		{model.SimRunning, model.SimPending, false},
		{model.SimFailed, model.SimPending, true},
		{model.SimFailed, model.SimRunning, false},
		{model.SimCompleted, model.SimRunning, false},
		{model.SimCancelled, model.SimPending, false},
	}
	for _, c := range cases {
		if got := CanSimTransition(c.from, c.to); got != c.want {
			t.Errorf("CanSimTransition(%s,%s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanJobTransition(t *testing.T) {
	cases := []struct {
		from, to model.JobStatus
		want     bool
	}{
		{model.JobQueued, model.JobRunning, true},
		{model.JobQueued, model.JobCancelled, true},
		{model.JobQueued, model.JobFailed, true},
		{model.JobQueued, model.JobCompleted, false},
		{model.JobRunning, model.JobCompleted, true},
		{model.JobRunning, model.JobFailed, true},
		{model.JobRunning, model.JobCancelled, true},
		{model.JobFailed, model.JobQueued, true},
		{model.JobFailed, model.JobCancelled, true},
		{model.JobFailed, model.JobRunning, false},
		{model.JobCompleted, model.JobQueued, false},
	}
	for _, c := range cases {
		if got := CanJobTransition(c.from, c.to); got != c.want {
			t.Errorf("CanJobTransition(%s,%s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminalSim(model.SimCompleted) || !IsTerminalSim(model.SimCancelled) {
		t.Fatal("expected COMPLETED and CANCELLED sim states to be terminal")
	}
	if IsTerminalSim(model.SimRunning) || IsTerminalSim(model.SimPending) || IsTerminalSim(model.SimFailed) {
		t.Fatal("non-terminal sim states misclassified")
	}
	if !IsTerminalJob(model.JobCompleted) || !IsTerminalJob(model.JobCancelled) {
		t.Fatal("expected COMPLETED and CANCELLED job states to be terminal")
	}
	if IsTerminalJob(model.JobRunning) || IsTerminalJob(model.JobQueued) || IsTerminalJob(model.JobFailed) {
		t.Fatal("non-terminal job states misclassified")
	}
}

func TestIllegalInputsReturnFalse(t *testing.T) {
	if CanSimTransition("bogus", model.SimRunning) {
		t.Fatal("unknown from-state should be false")
	}
	if CanJobTransition(model.JobQueued, "bogus") {
		t.Fatal("unknown to-state should be false")
	}
}
