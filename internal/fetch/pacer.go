package fetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a token bucket whose rate reacts to how the host is
// treating us. A 429 halves the rate down to a quarter of the configured
// floor rate; each success recovers 20% up to twice the configured rate.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	max     rate.Limit
	min     rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter builds a limiter around an initial rate.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		initial: initial,
		max:     initial * 2,
		min:     initial / 4,
		current: initial,
	}
}

// Wait blocks until the bucket admits one request or the context ends.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess nudges the rate back up after a clean response.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 1.2
	if next > a.max {
		next = a.max
	}
	if next != a.current {
		a.current = next
		a.limiter.SetLimit(next)
	}
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current / 2
	if next < a.min {
		next = a.min
	}
	if next != a.current {
		a.current = next
		a.limiter.SetLimit(next)
		zap.L().Warn("fetch: host rate limited, slowing down",
			zap.Float64("requests_per_sec", float64(next)))
	}
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// HostPacer serializes fetches against the same host regardless of which
// worker or fetch mode issues them. Each host gets its own adaptive limiter
// plus an in-flight slot, created on first use from the configured minimum
// inter-request delay. The limiter spaces start times; the slot keeps a
// fetch that outlasts the delay from overlapping the next one.
type HostPacer struct {
	minDelay time.Duration

	mu    sync.Mutex
	hosts map[string]*hostSlot
}

type hostSlot struct {
	lim  *AdaptiveLimiter
	busy chan struct{}
}

// NewHostPacer builds a pacer enforcing minDelay between same-host requests.
func NewHostPacer(minDelay time.Duration) *HostPacer {
	if minDelay <= 0 {
		minDelay = 300 * time.Millisecond
	}
	return &HostPacer{
		minDelay: minDelay,
		hosts:    make(map[string]*hostSlot),
	}
}

func (p *HostPacer) slotFor(host string) *hostSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.hosts[host]
	if !ok {
		s = &hostSlot{
			lim:  NewAdaptiveLimiter(rate.Every(p.minDelay), 1),
			busy: make(chan struct{}, 1),
		}
		p.hosts[host] = s
	}
	return s
}

// Wait blocks until the host admits one more request.
func (p *HostPacer) Wait(ctx context.Context, host string) error {
	return p.slotFor(host).lim.Wait(ctx)
}

// Acquire blocks until the host is idle and its bucket admits one more
// request, then holds the host until Release. Two acquired fetches to the
// same host never run at once.
func (p *HostPacer) Acquire(ctx context.Context, host string) error {
	s := p.slotFor(host)
	select {
	case s.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.lim.Wait(ctx); err != nil {
		<-s.busy
		return err
	}
	return nil
}

// Release frees the host after an acquired fetch finishes.
func (p *HostPacer) Release(host string) {
	s := p.slotFor(host)
	select {
	case <-s.busy:
	default:
	}
}

// OnSuccess reports a clean response from the host.
func (p *HostPacer) OnSuccess(host string) {
	p.slotFor(host).lim.OnSuccess()
}

// OnRateLimit reports a 429 from the host.
func (p *HostPacer) OnRateLimit(host string) {
	p.slotFor(host).lim.OnRateLimit()
}
