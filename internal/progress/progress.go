// Package progress implements ProgressBus: it pushes job and simulation
// snapshots to subscribed client streams. Grounded on the teacher's
// update_jobs.go subscriber-channel-map SSE idiom, generalized from one
// update job to many concurrent (jobId) streams, with no durability —
// reconnecting subscribers catch up via a REST read of current state.
package progress

import (
	"sync"

	"simbatch/internal/model"
	"simbatch/internal/statemachine"
)

// Event is one item pushed to a subscriber: either a job snapshot or a
// batch of simulation snapshots for the same jobId.
type Event struct {
	JobID       string              `json:"jobId"`
	Job         *model.Job          `json:"job,omitempty"`
	Simulations []model.Simulation  `json:"simulations,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans job/sim snapshots out to per-job subscriber sets.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// New creates an empty ProgressBus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers for events on jobId, returning a channel of events
// and an unsubscribe function. The channel is closed only by the returned
// unsubscribe function; a terminal job snapshot does not close it.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 16)}
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscriber]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[jobID]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.ch)
			}
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
		}
	}
	return sub.ch, unsub
}

// PublishJob sends a job snapshot to every subscriber of job.ID. Once a
// terminal status is observed, subscribers are expected to stop reading
// further events for that job (the bus does not forcibly close the channel,
// since a subscriber may still want trailing sim events from the same
// dispatch).
func (b *Bus) PublishJob(job model.Job) {
	b.broadcast(job.ID, Event{JobID: job.ID, Job: &job})
}

// PublishSims sends a batch of simulation snapshots for jobID.
func (b *Bus) PublishSims(jobID string, sims []model.Simulation) {
	b.broadcast(jobID, Event{JobID: jobID, Simulations: sims})
}

func (b *Bus) broadcast(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber: drop rather than block the publisher. The
			// client is expected to reconcile via a REST read on reconnect.
		}
	}
}

// IsTerminalEvent reports whether ev carries a job snapshot in a terminal
// state, the signal subscribers use to stop reading.
func IsTerminalEvent(ev Event) bool {
	return ev.Job != nil && statemachine.IsTerminalJob(ev.Job.Status)
}
