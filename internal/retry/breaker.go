package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen matches every error Execute returns without running fn.
var ErrOpen = errors.New("circuit open")

// OpenError reports a rejected call.  It matches ErrOpen.
type OpenError struct {
	Failures int
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%v: %d consecutive failures, retry in %v", ErrOpen, e.Failures, e.RetryIn)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State is a breaker's position.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls are rejected until the cooldown ends
	HalfOpen              // calls pass through as trial calls
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BreakerConfig tunes a Breaker.  Zero fields take the defaults noted
// on each.
type BreakerConfig struct {
	Threshold int           // consecutive failures that open the breaker, default 5
	Cooldown  time.Duration // time spent open before probing, default 30s
	Trials    int           // trial successes needed to close again, default 2

	// OnStateChange runs with the breaker locked; it must not call back
	// into the breaker.
	OnStateChange func(from, to State)
}

// Breaker stops calling an operation that keeps failing and lets it
// through again after a cooldown.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker returns a closed breaker.  cfg may be nil.
func NewBreaker(cfg *BreakerConfig) *Breaker {
	b := &Breaker{}
	if cfg != nil {
		b.cfg = *cfg
	}
	if b.cfg.Threshold <= 0 {
		b.cfg.Threshold = 5
	}
	if b.cfg.Cooldown <= 0 {
		b.cfg.Cooldown = 30 * time.Second
	}
	if b.cfg.Trials <= 0 {
		b.cfg.Trials = 2
	}
	return b
}

// Execute runs fn unless the breaker is open, in which case it returns
// an *OpenError without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	b.moveTo(Closed)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	elapsed := time.Since(b.openedAt)
	if elapsed >= b.cfg.Cooldown {
		b.successes = 0
		b.moveTo(HalfOpen)
		return nil
	}
	return &OpenError{Failures: b.failures, RetryIn: (b.cfg.Cooldown - elapsed).Truncate(time.Millisecond)}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
			b.openedAt = time.Now()
			b.moveTo(Open)
		}
		return
	}

	b.successes++
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.successes >= b.cfg.Trials {
			b.failures = 0
			b.moveTo(Closed)
		}
	}
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
