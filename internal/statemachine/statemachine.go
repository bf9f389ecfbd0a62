// Package statemachine defines the valid sim and job transitions as pure,
// side-effect-free predicates. No storage, no I/O.
package statemachine

import "simbatch/internal/model"

var simTransitions = map[model.SimState]map[model.SimState]bool{
	model.SimPending: {
		model.SimRunning:   true,
		model.SimCancelled: true,
	},
	model.SimRunning: {
		model.SimCompleted: true,
		model.SimFailed:    true,
		model.SimCancelled: true,
	},
	model.SimFailed: {
		model.SimPending: true, // retry on redelivery
	},
}

var jobTransitions = map[model.JobStatus]map[model.JobStatus]bool{
	model.JobQueued: {
		model.JobRunning:   true,
		model.JobCancelled: true,
		model.JobFailed:    true,
	},
	model.JobRunning: {
		model.JobCompleted: true,
		model.JobFailed:    true,
		model.JobCancelled: true,
	},
	model.JobFailed: {
		model.JobQueued:    true, // retry
		model.JobCancelled: true, // give up
	},
}

// CanSimTransition reports whether a sim may move from "from" to "to".
func CanSimTransition(from, to model.SimState) bool {
	return simTransitions[from][to]
}

// CanJobTransition reports whether a job may move from "from" to "to".
func CanJobTransition(from, to model.JobStatus) bool {
	return jobTransitions[from][to]
}

// IsTerminalSim reports whether s is a terminal sim state.
func IsTerminalSim(s model.SimState) bool {
	return s == model.SimCompleted || s == model.SimCancelled
}

// IsTerminalJob reports whether s is a terminal job state.
func IsTerminalJob(s model.JobStatus) bool {
	return s == model.JobCompleted || s == model.JobCancelled
}
