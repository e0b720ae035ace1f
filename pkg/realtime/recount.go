package realtime

import (
	"context"
	"sync"
)

// recount coalesces authoritative fetches of one value.
//
// At most one fetch is in flight. Requests made while a fetch is in flight
// are served by a single trailing fetch, so results are applied in the order
// the fetches were dispatched and a stale result never overwrites a newer one.
type recount[T any] struct {
	ctx   context.Context
	fetch func(context.Context) (T, error)
	// apply receives every result together with the cycle that produced it.
	apply func(v T, err error, cycle uint64)

	mu      sync.Mutex
	running bool
	queued  []chan error
	cycles  uint64
	wg      sync.WaitGroup
}

func newRecount[T any](ctx context.Context, fetch func(context.Context) (T, error), apply func(T, error, uint64)) *recount[T] {
	return &recount[T]{ctx: ctx, fetch: fetch, apply: apply}
}

// Request schedules a fetch. The returned channel receives the result of the
// first fetch that starts after the request.
func (r *recount[T]) Request() <-chan error {
	done := make(chan error, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctx.Err(); err != nil {
		done <- err
		return done
	}
	r.queued = append(r.queued, done)
	if !r.running {
		r.running = true
		r.wg.Add(1)
		go r.loop()
	}
	return done
}

// Cycles returns the number of fetches started so far.
func (r *recount[T]) Cycles() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles
}

func (r *recount[T]) loop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(r.queued) == 0 || r.ctx.Err() != nil {
			waiters := r.queued
			r.queued = nil
			r.running = false
			r.mu.Unlock()
			for _, w := range waiters {
				w <- r.ctx.Err()
			}
			return
		}
		waiters := r.queued
		r.queued = nil
		r.cycles++
		cycle := r.cycles
		r.mu.Unlock()

		v, err := r.fetch(r.ctx)
		if r.ctx.Err() != nil {
			// results that resolve after close are dropped
			err = r.ctx.Err()
		} else {
			r.apply(v, err, cycle)
		}
		for _, w := range waiters {
			w <- err
		}
	}
}

// wait blocks until every fetch has returned.
func (r *recount[T]) wait() {
	r.wg.Wait()
}
