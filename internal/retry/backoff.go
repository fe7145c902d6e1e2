// Package retry holds the failure policies that sit above the protocol
// layer.  The channel never retries on its own: connect mode redials an
// agent with Backoff, and a stream reader sheds writes to a sink that
// keeps failing with Breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it at once.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error // the last attempt's error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Backoff retries an operation with exponentially growing waits.
// Zero fields take the defaults noted on each.
type Backoff struct {
	Initial  time.Duration // first wait, default 250ms
	Max      time.Duration // cap on any wait, default 5s
	Factor   float64       // growth per attempt, default 2
	Attempts int           // total tries including the first; 0 = until ctx ends
	Jitter   bool          // spread each wait by up to ±25%

	// OnRetry runs after a failed attempt, before waiting.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DialBackoff is the policy connect mode uses to reach an agent.
func DialBackoff(attempts int) *Backoff {
	return &Backoff{
		Initial:  250 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Attempts: attempts,
		Jitter:   true,
	}
}

// Delay is the un-jittered wait after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 250 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}
	for i := 1; i < attempt && d < max; i++ {
		d = time.Duration(float64(d) * factor)
	}
	if d > max {
		d = max
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, runs out of
// attempts (*ExhaustedError) or ctx ends.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = jitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempt(s): %w (last error: %v)", attempt, ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// jitter spreads d uniformly over [0.75d, 1.25d], never below 1ms.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) / 4
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if out < time.Millisecond {
		out = time.Millisecond
	}
	return out
}
