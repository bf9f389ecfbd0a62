// Package bus implements TaskBus: at-least-once, unordered delivery of
// per-simulation tasks from the Scheduler to workers, subscribed to as a
// competing consumer group so each task is handled by at most one worker at
// a time.
package bus

import "context"

// Task is one unit of fan-out work for a simulation.
type Task struct {
	JobID     string `json:"jobId"`
	SimID     string `json:"simId"`
	SimIndex  int    `json:"simIndex"`
	TotalSims int    `json:"totalSims"`
}

// Handler processes one delivered Task. Returning a non-nil error leaves the
// message unacked so the bus may redeliver it.
type Handler func(ctx context.Context, t Task) error

// Bus is the TaskBus contract: at-least-once publish, no ordering
// guarantee, consumer-group semantics on subscribe.
type Bus interface {
	// PublishSimulationTasks emits totalSims Task messages for jobId.
	PublishSimulationTasks(ctx context.Context, jobID string, totalSims int) error
	// PublishTask emits a single Task, used by RecoveryService to
	// selectively republish the sims a recovery pass returned to PENDING.
	PublishTask(ctx context.Context, t Task) error
	// Subscribe registers h as a member of the shared competing consumer
	// group; it blocks, processing tasks until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	// Close releases any resources held by the bus.
	Close() error
}
