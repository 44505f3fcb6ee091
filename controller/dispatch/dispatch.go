// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dispatch implements a single-flight queue that applies state changes strictly in submission order.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Loader reads the current state, e.g. from persistent storage.
type Loader[S any] func(ctx context.Context) (S, error)

// Unit computes the next state from the current one and applies its side effects.
// If it returns an error, the state is considered unchanged.
type Unit[S any] func(ctx context.Context, current S) (S, error)

// PanicError is returned by a unit's future if the unit panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit of work panicked: %v", e.Value)
}

// Dispatcher executes units of work one at a time, in the order they were enqueued.
//
// Every unit runs in its own goroutine and starts only after the future of the previously enqueued unit
// has been resolved. The state handed to a unit is loaded after all prior units completed, so it reflects
// their effects. A failing or panicking unit resolves its own future to the state loaded before it ran
// and does not affect later units.
type Dispatcher[S any] struct {
	load Loader[S]
	log  *zap.Logger

	mux  sync.Mutex
	tail chan struct{}
}

// New creates a Dispatcher reading the current state with load.
func New[S any](load Loader[S], log *zap.Logger) *Dispatcher[S] {
	return &Dispatcher[S]{load: load, log: log}
}

// Enqueue schedules unit after all previously enqueued units.
// The unit does not run on the caller's goroutine, and canceling ctx does not abort it.
func (d *Dispatcher[S]) Enqueue(ctx context.Context, unit Unit[S]) *Future[S] {
	f := newFuture[S]()
	done := make(chan struct{})

	d.mux.Lock()
	prev := d.tail
	d.tail = done
	d.mux.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		f.resolve(d.run(ctx, unit))
	}()
	return f
}

// Current returns a future resolving to the state after all previously enqueued units completed.
func (d *Dispatcher[S]) Current(ctx context.Context) *Future[S] {
	return d.Enqueue(ctx, func(_ context.Context, current S) (S, error) {
		return current, nil
	})
}

// Idle blocks until every unit enqueued before the call has completed, or ctx is done.
func (d *Dispatcher[S]) Idle(ctx context.Context) error {
	d.mux.Lock()
	tail := d.tail
	d.mux.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher[S]) run(ctx context.Context, unit Unit[S]) (next S, err error) {
	prior, err := d.load(ctx)
	if err != nil {
		return prior, fmt.Errorf("loading current state: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Unit of work panicked, keeping prior state", zap.Any("panic", r), zap.Any("state", prior))
			next, err = prior, &PanicError{Value: r}
		}
	}()

	next, err = unit(ctx, prior)
	if err != nil {
		return prior, err
	}
	return next, nil
}

// Contain runs fn and turns a panic into a logged *PanicError.
// State machines run side effects that follow a persisted transition through it, so a panic there
// cannot make the unit's result diverge from the stored state.
func Contain(log *zap.Logger, what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Side effect panicked", zap.String("effect", what), zap.Any("panic", r))
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}
