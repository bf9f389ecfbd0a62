package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process TaskBus backend for tests and single-node
// deployments, used as the §9 dual-backend factory's embedded option
// alongside the kafka-go-backed Bus.
type MemoryBus struct {
	mu     sync.Mutex
	queue  []Task
	notify chan struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{notify: make(chan struct{}, 1)}
}

func (b *MemoryBus) PublishSimulationTasks(ctx context.Context, jobID string, totalSims int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	for i := 0; i < totalSims; i++ {
		b.queue = append(b.queue, Task{
			JobID:     jobID,
			SimID:     fmt.Sprintf("sim_%03d", i),
			SimIndex:  i,
			TotalSims: totalSims,
		})
	}
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBus) PublishTask(ctx context.Context, t Task) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	b.queue = append(b.queue, t)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes and returns the oldest queued task, if any. Exposed for
// tests that need to inspect what was published without running Subscribe.
func (b *MemoryBus) TryPop() (Task, bool) {
	return b.pop()
}

func (b *MemoryBus) pop() (Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Task{}, false
	}
	t := b.queue[0]
	b.queue = b.queue[1:]
	return t, true
}

func (b *MemoryBus) requeue(t Task) {
	b.mu.Lock()
	b.queue = append(b.queue, t)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Subscribe processes queued tasks competitively: multiple goroutines
// calling Subscribe on the same MemoryBus form a competing consumer group,
// since pop() is mutex-serialized.
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t, ok := b.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.notify:
				continue
			}
		}
		if err := h(ctx, t); err != nil {
			b.requeue(t)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
