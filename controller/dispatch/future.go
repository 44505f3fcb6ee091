// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package dispatch

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation.
// It resolves exactly once; later resolutions are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewPromise returns an unresolved Future and the function resolving it.
// resolve reports whether this call resolved the future; it returns false if the future was already resolved.
func NewPromise[T any]() (*Future[T], func(T, error) bool) {
	f := newFuture[T]()
	return f, f.resolve
}

// Resolved returns a Future that is already resolved with the given result.
func Resolved[T any](val T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(val, err)
	return f
}

// Go runs fn in a new goroutine and returns a Future for its result.
// fn runs with a context that is not canceled when ctx is canceled, so the operation always completes.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	ctx = context.WithoutCancel(ctx)
	go func() {
		f.resolve(fn(ctx))
	}()
	return f
}

// Then returns a Future resolving to fn applied to the result of f once f is resolved.
func Then[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	next := newFuture[U]()
	go func() {
		<-f.done
		next.resolve(fn(f.val, f.err))
	}()
	return next
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(val T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future is resolved or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved reports whether the future has been resolved, without blocking.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
