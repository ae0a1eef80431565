// Package breaker implements a three-state circuit breaker. One Breaker
// instance guards one external dependency; the scraper portal, the
// CAPTCHA solver and the OCR engine each get their own.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses calls. Callers should
// back off and retry after the reset timeout.
var ErrOpen = errors.New("circuit open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker trips to Open after failureThreshold consecutive failures,
// refuses calls for resetTimeout, then lets exactly one trial call
// through in HalfOpen.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool
}

// New creates a breaker. name shows up in error messages and logs.
func New(name string, failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Do runs fn through the breaker. While Open it fails fast with ErrOpen.
// In HalfOpen only one trial call is admitted; concurrent callers get
// ErrOpen until the trial resolves.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.trialing {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trialing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trialing = false
		if err != nil {
			b.trip()
			return
		}
		b.state = Closed
		b.failures = 0
		return
	}

	if err != nil {
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
		return
	}
	b.failures = 0
}

// trip moves to Open. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = Open
	b.failures = 0
	b.openedAt = b.now()
}
