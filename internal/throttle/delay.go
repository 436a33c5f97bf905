// Package throttle holds the pacing primitives shared by the pipelines:
// jittered courtesy delays, bounded concurrency, retry with exponential
// backoff and the rate-limit circuit breaker.
package throttle

import (
	"context"
	"math/rand/v2"
	"time"
)

// Delay is a jittered pause drawn uniformly from [Min, Max].
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Next draws the next pause duration.
func (d Delay) Next() time.Duration {
	lo, hi := d.Min, d.Max
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// Sleep pauses for Next() or until ctx is done.
func (d Delay) Sleep(ctx context.Context) error {
	return sleepCtx(ctx, d.Next())
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
