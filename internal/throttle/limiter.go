package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the cap of every named limiter unless configured.
const DefaultConcurrency = 5

// Limiter caps the number of tasks inside Do at the same time. Waiters
// are admitted in FIFO order.
type Limiter struct {
	name     string
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewLimiter returns a limiter admitting at most n concurrent tasks.
// n < 1 falls back to DefaultConcurrency.
func NewLimiter(name string, n int) *Limiter {
	if n < 1 {
		n = DefaultConcurrency
	}
	return &Limiter{name: name, size: int64(n), sem: semaphore.NewWeighted(int64(n))}
}

// Name identifies the limiter in logs.
func (l *Limiter) Name() string { return l.name }

// Size is the configured cap.
func (l *Limiter) Size() int { return int(l.size) }

// Peak is the highest number of tasks observed inside Do at once.
func (l *Limiter) Peak() int64 { return l.peak.Load() }

// Do waits for a slot and runs fn. It returns ctx.Err() if no slot frees
// before ctx is done.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s limiter: %w", l.name, err)
	}
	defer l.sem.Release(1)

	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return fn(ctx)
}

// Group runs tasks concurrently and waits for all of them to settle. A
// failing or panicking task never cancels its siblings.
type Group struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// Go starts fn in its own goroutine.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.record(fmt.Errorf("task panicked: %v", r))
			}
		}()
		if err := fn(); err != nil {
			g.record(err)
		}
	}()
}

func (g *Group) record(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

// Wait blocks until every task returned and joins their errors.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

// Failed reports how many tasks returned an error so far.
func (g *Group) Failed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.errs)
}
