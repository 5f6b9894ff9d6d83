package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostPacer enforces both halves of the spec.md §8 per-host invariant,
// process-wide (spec.md §5: "per-host delay clocks are process-wide"):
// a single in-flight request per host (size-1 slot held across the whole
// fetch) and a minimum inter-request delay (one rate.Limiter per host
// derived from per_host_min_delay_ms).
type HostPacer struct {
	minDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    map[string]chan struct{}
}

// NewHostPacer builds a pacer enforcing minDelay between admissions to the
// same host.
func NewHostPacer(minDelay time.Duration) *HostPacer {
	return &HostPacer{
		minDelay: minDelay,
		limiters: make(map[string]*rate.Limiter),
		slots:    make(map[string]chan struct{}),
	}
}

func (p *HostPacer) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[host]; ok {
		return l
	}
	every := p.minDelay
	if every <= 0 {
		every = time.Millisecond
	}
	l := rate.NewLimiter(rate.Every(every), 1)
	p.limiters[host] = l
	return l
}

func (p *HostPacer) slotFor(host string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[host]; ok {
		return s
	}
	s := make(chan struct{}, 1)
	p.slots[host] = s
	return s
}

// Acquire blocks until host's single in-flight slot is free and the
// min-delay limiter admits another request, or ctx is cancelled. The slot
// is held until Release, so a same-host request whose latency exceeds the
// min delay still blocks the next one: max_inflight(host) ≤ 1, not just
// spacing. Blocked callers for the same host are released one at a time
// in arrival order (rate.Limiter grants tokens FIFO to blocked waiters).
func (p *HostPacer) Acquire(ctx context.Context, host string) error {
	slot := p.slotFor(host)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := p.limiterFor(host).Wait(ctx); err != nil {
		<-slot
		return err
	}
	return nil
}

// Release frees host's in-flight slot. Safe to call once per successful
// Acquire; a stray extra call is a no-op.
func (p *HostPacer) Release(host string) {
	select {
	case <-p.slotFor(host):
	default:
	}
}
