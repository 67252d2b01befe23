package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostGate enforces a minimum interval between requests to the same host.
// All workers share one gate, so concurrent fetches against a single host
// serialize on its limiter while fetches against distinct hosts proceed
// independently.
type HostGate struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	intervals map[string]time.Duration
	fallback  time.Duration
}

// NewHostGate creates a gate with the given default inter-request interval.
// A zero fallback means hosts without an explicit delay are not throttled.
func NewHostGate(fallback time.Duration) *HostGate {
	return &HostGate{
		limiters:  make(map[string]*rate.Limiter),
		intervals: make(map[string]time.Duration),
		fallback:  fallback,
	}
}

// SetDelay fixes the minimum interval for one host. An existing limiter is
// retuned in place rather than replaced, so the host's next-allowed-request
// time survives a re-bind.
func (g *HostGate) SetDelay(host string, interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intervals[host] = interval
	if lim, ok := g.limiters[host]; ok {
		if lim.Limit() != limitFor(interval) {
			lim.SetLimit(limitFor(interval))
		}
		return
	}
	g.limiters[host] = newLimiter(interval)
}

// Wait blocks until the host's next-allowed-request time, then advances it.
// It returns early with the context error if ctx is cancelled while waiting.
func (g *HostGate) Wait(ctx context.Context, host string) error {
	return g.limiter(host).Wait(ctx)
}

func (g *HostGate) limiter(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if lim, ok := g.limiters[host]; ok {
		return lim
	}
	interval, ok := g.intervals[host]
	if !ok {
		interval = g.fallback
	}
	lim := newLimiter(interval)
	g.limiters[host] = lim
	return lim
}

func newLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(limitFor(interval), 1)
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
