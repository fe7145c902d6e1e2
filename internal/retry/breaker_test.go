package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func fail() error { return errFail }
func ok() error   { return nil }

func TestBreaker_NormalOperation(t *testing.T) {
	b := NewBreaker(nil)
	if err := b.Execute(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_PassesErrorsThrough(t *testing.T) {
	b := NewBreaker(nil)
	if err := b.Execute(fail); err != errFail {
		t.Errorf("got %v, want fn's own error", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(&BreakerConfig{Threshold: 3, Cooldown: time.Hour})
	for i := 0; i < 3; i++ {
		b.Execute(fail) //nolint:errcheck
	}
	if b.State() != Open {
		t.Errorf("expected open after 3 failures, got %s", b.State())
	}
	if b.Failures() != 3 {
		t.Errorf("expected 3 failures, got %d", b.Failures())
	}
}

func TestBreaker_RejectsWhenOpen(t *testing.T) {
	b := NewBreaker(&BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	b.Execute(fail) //nolint:errcheck

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Failures != 1 || oe.RetryIn <= 0 {
		t.Errorf("OpenError = %+v", oe)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := NewBreaker(&BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, Trials: 2})
	b.Execute(fail) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(ok); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != HalfOpen {
		t.Errorf("expected half-open after one trial, got %s", b.State())
	}
	if err := b.Execute(ok); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("expected closed and reset, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(&BreakerConfig{Threshold: 3, Cooldown: 10 * time.Millisecond})
	for i := 0; i < 3; i++ {
		b.Execute(fail) //nolint:errcheck
	}
	time.Sleep(20 * time.Millisecond)

	// A single failed trial reopens even though it is below Threshold.
	b.Execute(fail) //nolint:errcheck
	if b.State() != Open {
		t.Errorf("expected open after failed trial, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(&BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	b.Execute(fail) //nolint:errcheck
	b.Reset()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("after reset: %s with %d failures", b.State(), b.Failures())
	}
	if err := b.Execute(ok); err != nil {
		t.Errorf("closed breaker rejected: %v", err)
	}
}

func TestBreaker_StateChange(t *testing.T) {
	var transitions []string
	b := NewBreaker(&BreakerConfig{
		Threshold: 1,
		Cooldown:  10 * time.Millisecond,
		Trials:    1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s→%s", from, to))
		},
	})

	b.Execute(fail) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)
	b.Execute(ok) //nolint:errcheck

	want := []string{"closed→open", "open→half-open", "half-open→closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker(&BreakerConfig{Threshold: 3})
	b.Execute(fail) //nolint:errcheck
	b.Execute(fail) //nolint:errcheck
	b.Execute(ok)   //nolint:errcheck
	b.Execute(fail) //nolint:errcheck

	if b.Failures() != 1 || b.State() != Closed {
		t.Errorf("got %d failures, state %s", b.Failures(), b.State())
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(&BreakerConfig{})
	if b.cfg.Threshold != 5 || b.cfg.Cooldown != 30*time.Second || b.cfg.Trials != 2 {
		t.Errorf("defaults = %+v", b.cfg)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
