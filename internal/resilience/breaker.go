// Package resilience carries the transport failure policy shared by the
// fetch ladder and the API clients: exponential backoff for transient
// errors and per-service circuit breakers that stop hammering endpoints
// that keep failing.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen rejects a call before it is attempted.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerState is the breaker's position in the trip cycle.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen admits probe calls to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures.
	FailureThreshold int

	// ResetTimeout is the open period before probes are admitted.
	ResetTimeout time.Duration

	// ProbeQuota is how many probes must succeed in half-open before
	// the breaker closes again.
	ProbeQuota int

	// TripOn decides which errors count toward the threshold. Nil counts
	// every non-nil error.
	TripOn func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig opens after five straight failures and waits
// thirty seconds before probing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		ProbeQuota:       1,
	}
}

// BreakerSettings folds raw config numbers into a BreakerConfig, keeping
// defaults for unset values.
func BreakerSettings(failureThreshold, resetTimeoutSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// Breaker guards one service. Construct with NewBreaker; the zero value
// has no thresholds.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probeWins int

	now func() time.Time
}

// NewBreaker builds a closed breaker, backfilling zero config fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = def.ProbeQuota
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open. The fn error passes through
// unchanged so callers keep their own classification.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.observe(err)
	return err
}

// State reports the position the next call would see. An expired open
// period reads as half-open without mutating the breaker.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return ErrCircuitOpen
	}
	b.probeWins = 0
	b.shift(BreakerHalfOpen)
	return nil
}

func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := err != nil
	if err != nil && b.cfg.TripOn != nil {
		trips = b.cfg.TripOn(err)
	}

	if !trips {
		switch b.state {
		case BreakerHalfOpen:
			b.probeWins++
			if b.probeWins >= b.cfg.ProbeQuota {
				b.failures = 0
				b.shift(BreakerClosed)
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.openedAt = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.shift(BreakerOpen)
		}
	case BreakerHalfOpen:
		// One failed probe reopens the full reset window.
		b.shift(BreakerOpen)
	}
}

func (b *Breaker) shift(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers is the per-service breaker registry. Keys are chosen by
// callers; the fetch scheduler keys on method plus host so one bad rung
// cannot blind the others.
type ServiceBreakers struct {
	mu  sync.RWMutex
	all map[string]*Breaker
	cfg BreakerConfig
}

// NewServiceBreakers builds an empty registry. Every breaker it creates
// shares cfg.
func NewServiceBreakers(cfg BreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{all: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *Breaker {
	sb.mu.RLock()
	b := sb.all[service]
	sb.mu.RUnlock()
	if b != nil {
		return b
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if b = sb.all[service]; b != nil {
		return b
	}
	b = NewBreaker(sb.cfg)
	sb.all[service] = b
	return b
}

// States snapshots every breaker for run telemetry.
func (sb *ServiceBreakers) States() map[string]BreakerState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]BreakerState, len(sb.all))
	for svc, b := range sb.all {
		out[svc] = b.State()
	}
	return out
}
