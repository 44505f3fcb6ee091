// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package worker schedules named one-shot background work.
//
// Work consists of a chain of tasks: each task runs only after its predecessor succeeded and receives the
// accumulated output of all predecessors. At most one unfinished work exists per unique name.
package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the state of a work.
type Status int

const (
	Enqueued Status = iota
	Blocked
	Running
	Succeeded
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Enqueued:
		return "ENQUEUED"
	case Blocked:
		return "BLOCKED"
	case Running:
		return "RUNNING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Finished reports whether s is a terminal status.
func (s Status) Finished() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Data is the input and output payload of tasks.
type Data map[string]any

// Int returns an integer value of d.
func (d Data) Int(key string) (int, bool) {
	v, ok := d[key].(int)
	return v, ok
}

// String returns a string value of d.
func (d Data) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Task is one step of a work.
// On failure it may still return output, e.g. an error code, which is reported with the failed work.
type Task interface {
	Run(ctx context.Context, input Data) (Data, error)
}

// TaskFunc adapts a function to a Task.
type TaskFunc func(ctx context.Context, input Data) (Data, error)

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context, input Data) (Data, error) {
	return f(ctx, input)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the failed task is retried according to the work's backoff policy.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Request describes a work.
type Request struct {
	// Tasks run in order, each only after its predecessor succeeded.
	Tasks []Task
	// Input is passed to the first task.
	Input Data
	// RequiresNetwork delays the work until the network is available.
	RequiresNetwork bool
	// Backoff creates the retry policy for retryable task failures. Nil disables retries.
	Backoff func() backoff.BackOff
}

// ExistingWorkPolicy decides what happens if unfinished work with the same name exists.
type ExistingWorkPolicy int

const (
	// Keep keeps the existing work and drops the new request.
	Keep ExistingWorkPolicy = iota
	// Replace cancels the existing work and enqueues the new request.
	Replace
)

// Info is a snapshot of a work.
type Info struct {
	ID     uuid.UUID
	Name   string
	Status Status
	Output Data
	Err    error
}

// NetworkMonitor reports network availability.
type NetworkMonitor interface {
	// WaitOnline blocks until the network is available or ctx is done.
	WaitOnline(ctx context.Context) error
}

// Scheduler runs works in background goroutines.
type Scheduler struct {
	network NetworkMonitor
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mux    sync.Mutex
	byName map[string]*Work
}

// New creates a Scheduler.
func New(network NetworkMonitor, log *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		network: network,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		byName:  map[string]*Work{},
	}
}

// EnqueueUniqueWork enqueues req under name, resolving conflicts with unfinished work according to policy.
// It returns the work that is scheduled under name afterwards.
func (s *Scheduler) EnqueueUniqueWork(name string, policy ExistingWorkPolicy, req Request) *Work {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.byName[name]; ok && !existing.Info().Status.Finished() {
		if policy == Keep {
			s.log.Debug("Keeping existing work", zap.String("name", name), zap.Stringer("id", existing.id))
			return existing
		}
		s.log.Info("Replacing existing work", zap.String("name", name), zap.Stringer("id", existing.id))
		existing.Cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	w := &Work{
		id:     uuid.New(),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Enqueued,
	}
	s.byName[name] = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, w, req)
	}()
	return w
}

// WorkInfo returns the latest work scheduled under name.
func (s *Scheduler) WorkInfo(name string) (Info, bool) {
	s.mux.Lock()
	w, ok := s.byName[name]
	s.mux.Unlock()
	if !ok {
		return Info{}, false
	}
	return w.Info(), true
}

// Work returns the latest work scheduled under name.
func (s *Scheduler) Work(name string) (*Work, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	w, ok := s.byName[name]
	return w, ok
}

// Close cancels all works and waits for them to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, w *Work, req Request) {
	defer w.cancel()
	log := s.log.With(zap.String("name", w.name), zap.Stringer("id", w.id))

	data := Data{}
	maps.Copy(data, req.Input)

	if req.RequiresNetwork && s.network != nil {
		w.setStatus(Blocked)
		if err := s.network.WaitOnline(ctx); err != nil {
			w.finish(Cancelled, data, fmt.Errorf("waiting for network: %w", err))
			log.Info("Work cancelled while waiting for network")
			return
		}
	}
	w.setStatus(Running)

	for i, task := range req.Tasks {
		out, err := s.runTask(ctx, task, data, req.Backoff, log.With(zap.Int("task", i)))
		maps.Copy(data, out)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			w.finish(Cancelled, data, err)
			log.Info("Work cancelled", zap.Error(err))
			return
		}
		w.finish(Failed, data, err)
		log.Warn("Work failed", zap.Error(err))
		return
	}

	w.finish(Succeeded, data, nil)
	log.Debug("Work succeeded")
}

func (s *Scheduler) runTask(ctx context.Context, task Task, input Data, newBackoff func() backoff.BackOff, log *zap.Logger) (Data, error) {
	var out Data
	op := func() error {
		in := Data{}
		maps.Copy(in, input)
		var err error
		out, err = task.Run(ctx, in)
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if newBackoff != nil {
		b = newBackoff()
	}
	notify := func(err error, next time.Duration) {
		log.Info("Retrying task", zap.Duration("in", next), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	return out, err
}

// Work is a scheduled unit of background work.
type Work struct {
	id     uuid.UUID
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mux    sync.Mutex
	status Status
	output Data
	err    error
}

// ID returns the unique ID of the work.
func (w *Work) ID() uuid.UUID {
	return w.id
}

// Cancel cancels the work. A finished work is not affected.
func (w *Work) Cancel() {
	w.cancel()
}

// Done returns a channel closed once the work finished.
func (w *Work) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the work finished or ctx is done.
func (w *Work) Wait(ctx context.Context) (Info, error) {
	select {
	case <-w.done:
		return w.Info(), nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

// Info returns a snapshot of the work.
func (w *Work) Info() Info {
	w.mux.Lock()
	defer w.mux.Unlock()
	out := Data{}
	maps.Copy(out, w.output)
	return Info{ID: w.id, Name: w.name, Status: w.status, Output: out, Err: w.err}
}

func (w *Work) setStatus(st Status) {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.status = st
}

func (w *Work) finish(st Status, output Data, err error) {
	w.mux.Lock()
	w.status = st
	w.output = output
	w.err = err
	w.mux.Unlock()
	close(w.done)
}
