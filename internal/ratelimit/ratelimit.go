// Package ratelimit implements the Scheduler's per-caller sim budget: a
// token-bucket budget expressed in simulations per unit time, on
// top of golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token-bucket limiter per caller.
type Limiter struct {
	mu       sync.Mutex
	perCall  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New creates a Limiter allowing each caller up to burst sims immediately,
// refilling at rps sims/sec thereafter.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		perCall: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *Limiter) limiterFor(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.perCall[caller]
	if !ok {
		rl = rate.NewLimiter(l.rps, l.burst)
		l.perCall[caller] = rl
	}
	return rl
}

// AllowN reports whether caller may spend n sims right now against their
// budget, consuming them if so.
func (l *Limiter) AllowN(caller string, n int) bool {
	return l.limiterFor(caller).AllowN(time.Now(), n)
}
