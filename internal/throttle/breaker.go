package throttle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Breaker pauses download activity after Threshold consecutive HTTP 429
// responses. It is shared by every download of a run.
type Breaker struct {
	threshold int
	pause     time.Duration
	cutoff    time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	consecutive int
	release     chan struct{} // non-nil while a pause is active
	pauses      int
}

// NewBreaker returns a breaker that pauses for pause once threshold
// consecutive rate-limited responses are recorded. Callers waiting on an
// active pause give up after pause + 60s.
func NewBreaker(threshold int, pause time.Duration, logger *slog.Logger) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		threshold: threshold,
		pause:     pause,
		cutoff:    pause + time.Minute,
		logger:    logger,
	}
}

// RecordSuccess resets the consecutive counter. Any non-429 outcome
// counts as success here.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

// RecordRateLimited counts one 429. The caller that reaches the threshold
// while no pause is active sleeps for the pause, then resets the counter.
// Callers arriving during a pause wait for it to clear.
func (b *Breaker) RecordRateLimited(ctx context.Context) error {
	b.mu.Lock()
	b.consecutive++
	if release := b.release; release != nil {
		b.mu.Unlock()
		return b.await(ctx, release)
	}
	if b.consecutive < b.threshold {
		b.mu.Unlock()
		return nil
	}
	release := make(chan struct{})
	b.release = release
	b.pauses++
	count := b.consecutive
	b.mu.Unlock()

	b.logger.Warn("Rate limit threshold reached, pausing downloads.",
		slog.Int("consecutive_429", count),
		slog.Duration("pause", b.pause))

	err := sleepCtx(ctx, b.pause)

	b.mu.Lock()
	b.consecutive = 0
	b.release = nil
	close(release)
	b.mu.Unlock()

	b.logger.Info("Download pause over, resuming.")
	return err
}

// Wait blocks while a pause is active.
func (b *Breaker) Wait(ctx context.Context) error {
	b.mu.Lock()
	release := b.release
	b.mu.Unlock()
	if release == nil {
		return nil
	}
	return b.await(ctx, release)
}

func (b *Breaker) await(ctx context.Context, release <-chan struct{}) error {
	timer := time.NewTimer(b.cutoff)
	defer timer.Stop()
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.logger.Warn("Gave up waiting for download pause to clear.", slog.Duration("cutoff", b.cutoff))
		return nil
	}
}

// Consecutive is the current consecutive 429 count.
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Pauses is the number of pauses triggered so far.
func (b *Breaker) Pauses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauses
}
