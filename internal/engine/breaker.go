package engine

import (
	"errors"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock uses system time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// ErrBreakerOpen is returned while the breaker refuses calls.
var ErrBreakerOpen = errors.New("engine: source breaker is open")

// breaker tracks consecutive source failures so a dead source is not
// hammered. It opens after threshold consecutive failures, stays open for
// cooldown, then allows a single half-open trial. Its state is surfaced
// through diagnostics, never enforced silently inside Play.
type breaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	state     string
	openedAt  time.Time
	clock     Clock
}

func newBreaker(threshold int, cooldown time.Duration, clock Clock) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		clock:     clock,
	}
}

// allow reports whether a load attempt may proceed, transitioning
// open -> half-open once the cooldown has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return true
	}
	if b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		return true
	}
	return false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

func (b *breaker) snapshot() (state string, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures
}
