// Package breaker guards the upstream assistant gateway with a circuit
// breaker and endpoint failover.
package breaker

import (
	"sync"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultFailureThreshold is the consecutive-failure count that
	// trips the circuit.
	DefaultFailureThreshold = 2
	// DefaultCooldown is how long the circuit stays open before a
	// single probe is allowed through.
	DefaultCooldown = 60 * time.Second
)

// Breaker is a consecutive-failure circuit breaker. One success in
// HalfOpen closes it; one failure re-opens it for a full cooldown.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration
	metrics   *metrics.Registry

	timeNow func() time.Time
}

func New(threshold int, cooldown time.Duration, reg *metrics.Registry) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, metrics: reg, timeNow: time.Now}
}

// Allow reports whether a call may proceed. In HalfOpen exactly one
// in-flight probe is admitted; everyone else is short-circuited until
// the probe settles.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.timeNow().Sub(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.probing = true
			b.event("half_open")
			return true
		}
		b.event("short_circuited")
		return false
	default: // HalfOpen
		if b.probing {
			b.event("short_circuited")
			return false
		}
		b.probing = true
		return true
	}
}

// OnSuccess resets the breaker after a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.event("closed")
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// OnFailure records a failed call, tripping the circuit when the
// consecutive threshold is reached or when a HalfOpen probe fails.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == HalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.timeNow()
	b.failures = 0
	b.event("opened")
}

// Snapshot returns the state plus seconds remaining in cooldown, for
// diagnostics.
func (b *Breaker) Snapshot() (State, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return b.state, 0
	}
	remaining := b.cooldown - b.timeNow().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return b.state, remaining.Seconds()
}

func (b *Breaker) event(name string) {
	if b.metrics != nil {
		b.metrics.IncBreakerEvent(name)
	}
}
