package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// ErrSubmitCircuitOpen is returned by a batch submission refused because
// the queue rejected the last few submissions in a row.
var ErrSubmitCircuitOpen = errors.New("submit circuit open")

// BreakerState is the state of a submitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// submitBreaker stops calling the submit command after threshold
// consecutive failures. Once cooldown has passed a single submission is
// let through; its outcome closes or reopens the breaker.
type submitBreaker struct {
	threshold int
	cooldown  time.Duration
	clock     utils.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	testing  bool
}

func newSubmitBreaker(threshold int, cooldown time.Duration, clock utils.Clock) *submitBreaker {
	return &submitBreaker{threshold: threshold, cooldown: cooldown, clock: clock, state: BreakerClosed}
}

// allow reports whether a submission may go to the queue. A threshold of
// zero disables the breaker.
func (b *submitBreaker) allow() bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.testing = true
		return true
	case BreakerHalfOpen:
		if b.testing {
			return false
		}
		b.testing = true
		return true
	}
	return true
}

func (b *submitBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.testing = false
}

// failure records a rejected submission and reports whether it opened the
// breaker.
func (b *submitBreaker) failure() bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.testing = false
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		return true
	}
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		return true
	}
	return false
}

func (b *submitBreaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
