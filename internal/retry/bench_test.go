package retry

import (
	"context"
	"testing"
	"time"
)

// BenchmarkBackoff_ImmediateSuccess measures the overhead when the
// first attempt succeeds.
func BenchmarkBackoff_ImmediateSuccess(b *testing.B) {
	bo := DialBackoff(3)
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		bo.Do(ctx, func(int) error { return nil }) //nolint:errcheck
	}
}

// BenchmarkBreaker_ClosedPath is the per-unit cost a stream reader pays
// while its sink is healthy.
func BenchmarkBreaker_ClosedPath(b *testing.B) {
	br := NewBreaker(nil)
	for i := 0; i < b.N; i++ {
		br.Execute(ok) //nolint:errcheck
	}
}

// BenchmarkBreaker_OpenPath is the cost of shedding a unit.
func BenchmarkBreaker_OpenPath(b *testing.B) {
	br := NewBreaker(&BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	br.Execute(fail) //nolint:errcheck
	for i := 0; i < b.N; i++ {
		br.Execute(ok) //nolint:errcheck
	}
}
