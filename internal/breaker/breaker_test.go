package breaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)}
	b := New("test", threshold, reset).WithClock(clock.now)
	return b, clock
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Do(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
		if got := b.State(); got != Closed {
			t.Fatalf("call %d: expected closed, got %s", i, got)
		}
	}

	// Third consecutive failure trips it.
	if err := b.Do(fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("expected open, got %s", got)
	}

	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	_ = b.Do(fail)
	_ = b.Do(fail)
	_ = b.Do(succeed)
	_ = b.Do(fail)
	_ = b.Do(fail)

	if got := b.State(); got != Closed {
		t.Fatalf("non-consecutive failures must not trip: got %s", got)
	}
}

func TestBreakerHalfOpenTrialCall(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Do(fail)
	if got := b.State(); got != Open {
		t.Fatalf("expected open, got %s", got)
	}

	// Before the reset timeout every call fails fast.
	clock.advance(59 * time.Second)
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before timeout, got %v", err)
	}

	// After the timeout exactly one trial call is allowed.
	clock.advance(2 * time.Second)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("expected half-open, got %s", got)
	}
	if err := b.Do(succeed); err != nil {
		t.Fatalf("trial call should pass through: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("successful trial should close: got %s", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Do(fail)
	clock.advance(time.Minute)

	if err := b.Do(fail); !errors.Is(err, errBoom) {
		t.Fatalf("trial call should run: %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("failed trial should reopen: got %s", got)
	}

	// The reset window starts over from the failed trial.
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerHalfOpenAdmitsOnlyOneTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Do(fail)
	clock.advance(time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// A second caller during the in-flight trial is rejected.
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent trial should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("expected closed after trial, got %s", got)
	}
}
