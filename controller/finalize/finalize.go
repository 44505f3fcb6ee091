// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package finalize implements the finalization state machine.
//
// Once the financing program ended and all restrictions were cleared, the device reports its finalization
// and the controller disables itself. Finalization is never undone.
package finalize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgelesssys/devicelock/controller/dispatch"
	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/worker"
	"go.uber.org/zap"
)

// ReportWorkName is the unique name of the work reporting finalization.
const ReportWorkName = "report-device-finalized"

// Repository persists the finalization state.
type Repository interface {
	FinalizationState(context.Context) (state.FinalizationState, error)
	SetFinalizationState(context.Context, state.FinalizationState) error
}

// Reporter reports the finalization of the device to the remote authority.
type Reporter interface {
	ReportDeviceFinalized(ctx context.Context) error
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(ctx context.Context) error

// ReportDeviceFinalized implements Reporter.
func (f ReporterFunc) ReportDeviceFinalized(ctx context.Context) error {
	return f(ctx)
}

// Disabler permanently disables the controller.
type Disabler interface {
	Disable(ctx context.Context) error
}

// DisablerFunc adapts a function to a Disabler.
type DisablerFunc func(ctx context.Context) error

// Disable implements Disabler.
func (f DisablerFunc) Disable(ctx context.Context) error {
	return f(ctx)
}

// Machine is the finalization state machine.
type Machine struct {
	repo       Repository
	scheduler  *worker.Scheduler
	reporter   Reporter
	disabler   Disabler
	dispatcher *dispatch.Dispatcher[state.FinalizationState]
	log        *zap.Logger
	metrics    *metrics.MachineMetrics
	eventLog   *events.Log
	newBackoff func() backoff.BackOff

	disableOnce sync.Once
}

// Option configures a Machine.
type Option func(*Machine)

// WithReportBackoff sets the retry policy of failed reports.
func WithReportBackoff(newBackoff func() backoff.BackOff) Option {
	return func(m *Machine) {
		m.newBackoff = newBackoff
	}
}

func defaultReportBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

// New creates a finalization state machine.
func New(repo Repository, scheduler *worker.Scheduler, reporter Reporter, disabler Disabler,
	log *zap.Logger, m *metrics.MachineMetrics, eventLog *events.Log, opts ...Option,
) *Machine {
	machine := &Machine{
		repo:       repo,
		scheduler:  scheduler,
		reporter:   reporter,
		disabler:   disabler,
		dispatcher: dispatch.New(repo.FinalizationState, log),
		log:        log,
		metrics:    m,
		eventLog:   eventLog,
		newBackoff: defaultReportBackoff,
	}
	for _, opt := range opts {
		opt(machine)
	}
	return machine
}

// allowed reports whether finalization may move from current to next.
func allowed(current, next state.FinalizationState) bool {
	switch current {
	case state.FinalizationUninitialized:
		return true
	case state.FinalizationUnfinalized:
		return next == state.FinalizationUnreported
	case state.FinalizationUnreported:
		return next == state.Finalized
	}
	return false
}

// EnforceInitialState initializes a fresh finalization state and resumes the pending action of a persisted one.
func (m *Machine) EnforceInitialState(ctx context.Context) *dispatch.Future[state.FinalizationState] {
	return m.dispatcher.Enqueue(ctx, func(ctx context.Context, current state.FinalizationState) (state.FinalizationState, error) {
		if current == state.FinalizationUninitialized {
			return m.apply(ctx, current, state.FinalizationUnfinalized)
		}
		m.metrics.SetState(int(current))
		m.onEnter(ctx, current)
		return current, nil
	})
}

// NotifyRestrictionsCleared finalizes the device and schedules reporting it.
func (m *Machine) NotifyRestrictionsCleared(ctx context.Context) *dispatch.Future[state.FinalizationState] {
	return m.setState(ctx, state.FinalizationUnreported)
}

// NotifyReported marks the finalization as reported and disables the controller.
func (m *Machine) NotifyReported(ctx context.Context) *dispatch.Future[state.FinalizationState] {
	return m.setState(ctx, state.Finalized)
}

// GetState returns a future resolving to the state after all pending transitions.
func (m *Machine) GetState(ctx context.Context) *dispatch.Future[state.FinalizationState] {
	return m.dispatcher.Current(ctx)
}

// OnStateChanged finalizes the device once it was cleared.
func (m *Machine) OnStateChanged(ctx context.Context, _, to state.DeviceState) {
	if to == state.Cleared {
		m.NotifyRestrictionsCleared(ctx)
	}
}

// Idle blocks until all transitions enqueued before the call completed.
func (m *Machine) Idle(ctx context.Context) error {
	return m.dispatcher.Idle(ctx)
}

// setState moves to next. A transition that is not allowed is silently ignored.
func (m *Machine) setState(ctx context.Context, next state.FinalizationState) *dispatch.Future[state.FinalizationState] {
	return m.dispatcher.Enqueue(ctx, func(ctx context.Context, current state.FinalizationState) (state.FinalizationState, error) {
		if !allowed(current, next) {
			m.log.Debug("Ignoring finalization state change", zap.Stringer("state", current), zap.Stringer("requested", next))
			return current, nil
		}
		return m.apply(ctx, current, next)
	})
}

func (m *Machine) apply(ctx context.Context, current, next state.FinalizationState) (state.FinalizationState, error) {
	if err := m.repo.SetFinalizationState(ctx, next); err != nil {
		return current, fmt.Errorf("persisting finalization state %s: %w", next, err)
	}
	m.log.Info("Finalization state changed", zap.Stringer("from", current), zap.Stringer("to", next))
	m.metrics.Transition(next, int(next))
	m.eventLog.Transition("finalization", next.String(), current.String(), next.String())
	m.onEnter(ctx, next)
	return next, nil
}

func (m *Machine) onEnter(ctx context.Context, st state.FinalizationState) {
	_ = dispatch.Contain(m.log, "finalization entry action", func() { m.enter(ctx, st) })
}

func (m *Machine) enter(ctx context.Context, st state.FinalizationState) {
	switch st {
	case state.FinalizationUnreported:
		m.scheduleReport()
	case state.Finalized:
		m.disableOnce.Do(func() {
			if err := m.disabler.Disable(ctx); err != nil {
				m.log.Error("Disabling the controller failed", zap.Error(err))
				return
			}
			m.log.Info("Controller disabled")
		})
	}
}

func (m *Machine) scheduleReport() {
	report := worker.TaskFunc(func(ctx context.Context, _ worker.Data) (worker.Data, error) {
		if err := m.reporter.ReportDeviceFinalized(ctx); err != nil {
			return nil, worker.Retryable(fmt.Errorf("reporting finalization: %w", err))
		}
		if _, err := m.NotifyReported(ctx).Await(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	m.scheduler.EnqueueUniqueWork(ReportWorkName, worker.Keep, worker.Request{
		Tasks:           []worker.Task{report},
		RequiresNetwork: true,
		Backoff:         m.newBackoff,
	})
}
