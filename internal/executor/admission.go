package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// admission implements the bounded-queue policy:
//
//   - a free slot is taken immediately;
//   - otherwise the request joins the queue if fewer than maxQueue are waiting,
//     and waits at most wait for a slot (ErrQueueTimeout after that);
//   - if the queue is already full the request fails at once with ErrQueueFull.
//
// The semaphore and the waiting counter are the only state shared between
// concurrent executions.
type admission struct {
	slots    *semaphore.Weighted
	waiting  atomic.Int64
	maxQueue int64
	wait     time.Duration
	metrics  *Metrics
}

func newAdmission(maxConcurrency, maxQueue int, wait time.Duration, m *Metrics) *admission {
	return &admission{
		slots:    semaphore.NewWeighted(int64(maxConcurrency)),
		maxQueue: int64(maxQueue),
		wait:     wait,
		metrics:  m,
	}
}

// acquire returns a release func on success. The release func must be called
// exactly once.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	if a.slots.TryAcquire(1) {
		return a.releaseFunc(), nil
	}

	if a.waiting.Add(1) > a.maxQueue {
		a.waiting.Add(-1)
		a.metrics.rejected("queue_full")
		return nil, ErrQueueFull
	}
	a.metrics.queued(1)
	defer func() {
		a.waiting.Add(-1)
		a.metrics.queued(-1)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()

	if err := a.slots.Acquire(waitCtx, 1); err != nil {
		// Caller cancellation wins over our own queue deadline.
		if ctx.Err() != nil {
			a.metrics.rejected("cancelled")
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			a.metrics.rejected("queue_timeout")
			return nil, ErrQueueTimeout
		}
		return nil, err
	}
	return a.releaseFunc(), nil
}

func (a *admission) releaseFunc() func() {
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			a.slots.Release(1)
		}
	}
}

// queueLen reports how many requests are currently waiting.
func (a *admission) queueLen() int64 {
	return a.waiting.Load()
}
