// Package model defines the core data types shared by every job-lifecycle
// component: Job, Simulation, Worker and IdempotencyRecord.
package model

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// SimState is the lifecycle state of a Simulation.
type SimState string

const (
	SimPending   SimState = "PENDING"
	SimRunning   SimState = "RUNNING"
	SimCompleted SimState = "COMPLETED"
	SimFailed    SimState = "FAILED"
	SimCancelled SimState = "CANCELLED"
)

// WorkerStatus is the liveness/activity state of a Worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerUpdating WorkerStatus = "updating"
)

// Deck is an immutable snapshot of a deck captured at job-creation time.
type Deck struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// Job represents one user-submitted batch of simulations against a fixed
// 4-deck matchup.
type Job struct {
	ID                   string     `json:"id"`
	DeckIDs              [4]string  `json:"deckIds"`
	DeckSnapshot         [4]Deck    `json:"deckSnapshot"`
	RequestedSims        int        `json:"requestedSims"`
	GamesPerContainer    int        `json:"gamesPerContainer"`
	TotalSimCount        int        `json:"totalSimCount"`
	CompletedSimCount    int        `json:"completedSimCount"`
	Status               JobStatus  `json:"status"`
	CreatedAt            time.Time  `json:"createdAt"`
	ClaimedAt            *time.Time `json:"claimedAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	WorkerID             string     `json:"workerId,omitempty"`
	WorkerName           string     `json:"workerName,omitempty"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	RetryCount           int        `json:"retryCount"`
	ContainerDurationsMs []int64    `json:"containerDurationsMs,omitempty"`
	IdempotencyKey       string     `json:"idempotencyKey,omitempty"`
	CreatedBy            string     `json:"createdBy"`
}

// DeckNames returns the four deck names from the snapshot, in order.
func (j Job) DeckNames() [4]string {
	var names [4]string
	for i, d := range j.DeckSnapshot {
		names[i] = d.Name
	}
	return names
}

// Simulation is a child of a Job, identified by (JobID, SimID).
type Simulation struct {
	JobID        string    `json:"jobId"`
	SimID        string    `json:"simId"`
	Index        int       `json:"index"`
	State        SimState  `json:"state"`
	WorkerID     string    `json:"workerId,omitempty"`
	WorkerName   string    `json:"workerName,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DurationMs   *int64    `json:"durationMs,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Winners      []string  `json:"winners,omitempty"`
	WinningTurns []int     `json:"winningTurns,omitempty"`
}

// SimulationPatch is a partial update to a Simulation, applied by
// SimReporter.UpdateSim.
type SimulationPatch struct {
	State        *SimState
	WorkerID     *string
	WorkerName   *string
	DurationMs   *int64
	ErrorMessage *string
	Winners      []string
	WinningTurns []int
}

// Worker is a registration keyed by WorkerID.
type Worker struct {
	WorkerID              string       `json:"workerId"`
	WorkerName            string       `json:"workerName"`
	Status                WorkerStatus `json:"status"`
	Capacity              int          `json:"capacity"`
	ActiveSimulations     int          `json:"activeSimulations"`
	LastHeartbeat         time.Time    `json:"lastHeartbeat"`
	WorkerAPIURL          string       `json:"workerApiUrl,omitempty"`
	MaxConcurrentOverride *int         `json:"maxConcurrentOverride,omitempty"`
	OwnerEmail            string       `json:"ownerEmail,omitempty"`
}

// Active reports whether the worker's last heartbeat is within ttl of now.
func (w Worker) Active(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < ttl
}

// IdempotencyRecord maps a client-supplied idempotency key to the job it
// created. Created atomically with that Job.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	JobID     string    `json:"jobId"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobSummary is the list-view projection of a Job, with effective status
// substituted for the stored status where applicable (see scheduler).
type JobSummary struct {
	ID                string    `json:"id"`
	Status            JobStatus `json:"status"`
	EffectiveStatus   JobStatus `json:"effectiveStatus"`
	TotalSimCount     int       `json:"totalSimCount"`
	CompletedSimCount int       `json:"completedSimCount"`
	CreatedAt         time.Time `json:"createdAt"`
	CreatedBy         string    `json:"createdBy"`
}

// Terminal job/sim states, duplicated here as simple membership helpers so
// that packages which only need "is this a terminal value" don't need to
// import statemachine for it. statemachine.IsTerminalJob/IsTerminalSim are
// the canonical predicates; these exist for read-only projections.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

func (s SimState) Terminal() bool {
	return s == SimCompleted || s == SimCancelled
}
