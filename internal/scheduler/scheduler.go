// Package scheduler bounds how many files are uploaded at once.
package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the number of concurrent tasks used when none is set.
const DefaultLimit = 5

// Limiter runs tasks with at most Limit in flight.
type Limiter struct {
	limit  int
	active atomic.Int64
	peak   atomic.Int64

	// OnActive, if set, is called with the active count whenever it changes.
	OnActive func(n int64)
}

// New creates a Limiter. A limit below one means DefaultLimit.
func New(limit int) *Limiter {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Limiter{limit: limit}
}

// Limit returns the concurrency bound.
func (l *Limiter) Limit() int {
	return l.limit
}

// Active returns the number of tasks currently running.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Peak returns the highest Active value observed so far.
func (l *Limiter) Peak() int64 {
	return l.peak.Load()
}

func (l *Limiter) enter() {
	n := l.active.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if l.OnActive != nil {
		l.OnActive(n)
	}
}

func (l *Limiter) exit() {
	n := l.active.Add(-1)
	if l.OnActive != nil {
		l.OnActive(n)
	}
}

// Run calls fn for every item, starting them in slice order with at most
// Limit calls in flight, and returns the results in input order. It returns
// only after every started call has finished. Once ctx is done no further
// items are started and their results are left at the zero value.
func Run[R any](ctx context.Context, l *Limiter, items []string, fn func(ctx context.Context, item string) R) []R {
	results := make([]R, len(items))
	var g errgroup.Group
	g.SetLimit(l.limit)

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			l.enter()
			defer l.exit()
			results[i] = fn(ctx, item)
			return nil
		})
	}
	g.Wait()
	return results
}
