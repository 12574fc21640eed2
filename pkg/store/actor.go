// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"time"
)

// actor is a single-writer loop. All state owned by an actor is touched
// only from its run goroutine; callers submit closures and wait. This
// serializes every operation on a shard without locks, so check-then-act
// sequences (consume-on-read, per-user eviction) are race-free by
// construction.
type actor struct {
	cmds    chan func()
	quit    chan struct{}
	sweep   func(now time.Time)
	every   time.Duration
	stopped chan struct{}
}

// newActor starts the loop. sweep, if non-nil, runs on the loop goroutine
// at the given interval to evict expired entries.
func newActor(buffer int, every time.Duration, sweep func(now time.Time)) *actor {
	a := &actor{
		cmds:    make(chan func(), buffer),
		quit:    make(chan struct{}),
		sweep:   sweep,
		every:   every,
		stopped: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.stopped)
	var tick *time.Ticker
	var tickC <-chan time.Time
	if a.sweep != nil {
		tick = time.NewTicker(a.every)
		defer tick.Stop()
		tickC = tick.C
	}
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case now := <-tickC:
			a.sweep(now)
		case <-a.quit:
			// Drain queued commands so no submitter hangs.
			for {
				select {
				case fn := <-a.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// exec runs fn on the loop goroutine and waits for it (or for ctx).
func (a *actor) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case a.cmds <- wrapped:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exec2 runs fn on the loop goroutine and returns its error, or the
// submission error if the loop is gone.
func (a *actor) exec2(ctx context.Context, fn func() error) error {
	var ferr error
	if err := a.exec(ctx, func() { ferr = fn() }); err != nil {
		return err
	}
	return ferr
}

// stop shuts the loop down and waits for it to exit.
func (a *actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.stopped
}

// call runs fn on the actor and returns its result.
func call[T any](ctx context.Context, a *actor, fn func() (T, error)) (T, error) {
	var out T
	var ferr error
	if err := a.exec(ctx, func() { out, ferr = fn() }); err != nil {
		var zero T
		return zero, err
	}
	return out, ferr
}
