// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package devicestate implements the state machine governing the lock state of the device.
package devicestate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgelesssys/devicelock/controller/dispatch"
	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/state"
	"go.uber.org/zap"
)

// Enforcer applies the policies belonging to a device state.
type Enforcer interface {
	Enforce(ctx context.Context, st state.DeviceState) error
}

// Repository persists the device state.
type Repository interface {
	DeviceState(context.Context) (state.DeviceState, error)
	SetDeviceState(context.Context, state.DeviceState) error
}

// StateListener is notified of every accepted transition.
// It is called inside the serialized transition, so it must not wait for the device state machine.
type StateListener interface {
	OnStateChanged(ctx context.Context, from, to state.DeviceState)
}

// StateListenerFunc adapts a function to a StateListener.
type StateListenerFunc func(ctx context.Context, from, to state.DeviceState)

// OnStateChanged implements StateListener.
func (f StateListenerFunc) OnStateChanged(ctx context.Context, from, to state.DeviceState) {
	f(ctx, from, to)
}

// ProvisionAdvancer completes provisioning once the device was locked or unlocked for the first time.
type ProvisionAdvancer interface {
	AdvanceToSucceeded(ctx context.Context) *dispatch.Future[state.ProvisionState]
}

// Machine is the device state machine.
type Machine struct {
	repo       Repository
	enforcer   Enforcer
	dispatcher *dispatch.Dispatcher[state.DeviceState]
	log        *zap.Logger
	metrics    *metrics.MachineMetrics
	eventLog   *events.Log

	mux       sync.Mutex
	listeners []StateListener
	advancer  ProvisionAdvancer
}

// New creates a device state machine.
func New(repo Repository, enforcer Enforcer, log *zap.Logger, m *metrics.MachineMetrics, eventLog *events.Log) *Machine {
	return &Machine{
		repo:       repo,
		enforcer:   enforcer,
		dispatcher: dispatch.New(repo.DeviceState, log),
		log:        log,
		metrics:    m,
		eventLog:   eventLog,
	}
}

// AddListener registers l for all later transitions.
func (m *Machine) AddListener(l StateListener) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetProvisionAdvancer sets the provisioning state machine to advance after the first lock or unlock.
func (m *Machine) SetProvisionAdvancer(a ProvisionAdvancer) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.advancer = a
}

// State returns a future resolving to the state after all pending transitions.
func (m *Machine) State(ctx context.Context) *dispatch.Future[state.DeviceState] {
	return m.dispatcher.Current(ctx)
}

// IsLocked reports whether the device is locked.
func (m *Machine) IsLocked(ctx context.Context) (bool, error) {
	st, err := m.State(ctx).Await(ctx)
	return st.IsLocked(), err
}

// IsUnrestrictedState reports whether the device is free of restrictions.
func (m *Machine) IsUnrestrictedState(ctx context.Context) (bool, error) {
	st, err := m.State(ctx).Await(ctx)
	return st.IsUnrestricted(), err
}

// IsInProvisioningState reports whether the device is being provisioned.
func (m *Machine) IsInProvisioningState(ctx context.Context) (bool, error) {
	st, err := m.State(ctx).Await(ctx)
	return st.IsInProvisioning(), err
}

// EnforcePoliciesForCurrentState applies the policies of the current state again.
// Enforcement failures are logged, the future resolves to the current state.
func (m *Machine) EnforcePoliciesForCurrentState(ctx context.Context) *dispatch.Future[state.DeviceState] {
	return m.dispatcher.Enqueue(ctx, func(ctx context.Context, current state.DeviceState) (state.DeviceState, error) {
		m.metrics.SetState(int(current))
		m.enforce(ctx, current)
		return current, nil
	})
}

// SetNextStateForEvent transitions the device according to event.
// The future resolves after the new state was persisted, its policies were applied and all listeners were notified.
// If the current state does not accept event, it resolves to the unchanged state and a *state.StateTransitionError.
func (m *Machine) SetNextStateForEvent(ctx context.Context, event state.DeviceEvent) *dispatch.Future[state.DeviceState] {
	var from state.DeviceState
	f := m.dispatcher.Enqueue(ctx, func(ctx context.Context, current state.DeviceState) (state.DeviceState, error) {
		from = current
		next, err := Next(current, event)
		if err != nil {
			m.log.Warn("Rejected device state transition", zap.Stringer("state", current), zap.Stringer("event", event))
			m.metrics.Rejected(event)
			return current, err
		}

		if err := m.repo.SetDeviceState(ctx, next); err != nil {
			return current, fmt.Errorf("persisting device state %s: %w", next, err)
		}
		m.log.Info("Device state changed", zap.Stringer("from", current), zap.Stringer("to", next), zap.Stringer("event", event))
		m.metrics.Transition(event, int(next))
		m.eventLog.Transition("device", event.String(), current.String(), next.String())

		m.enforce(ctx, next)
		m.notify(ctx, current, next)
		return next, nil
	})

	if event != state.EventLock && event != state.EventUnlock {
		return f
	}
	return dispatch.Then(f, func(st state.DeviceState, err error) (state.DeviceState, error) {
		if err == nil && from == state.KioskProvisioned {
			m.advanceProvisioning(ctx)
		}
		return st, err
	})
}

func (m *Machine) enforce(ctx context.Context, st state.DeviceState) {
	var err error
	if panicErr := dispatch.Contain(m.log, "enforce policies", func() { err = m.enforcer.Enforce(ctx, st) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		m.log.Warn("Policy enforcement incomplete", zap.Stringer("state", st), zap.Error(err))
	}
}

func (m *Machine) notify(ctx context.Context, from, to state.DeviceState) {
	m.mux.Lock()
	listeners := append([]StateListener{}, m.listeners...)
	m.mux.Unlock()
	for _, l := range listeners {
		_ = dispatch.Contain(m.log, "notify state listener", func() { l.OnStateChanged(ctx, from, to) })
	}
}

// advanceProvisioning runs outside of the device's serialized unit,
// since the provisioning state machine itself waits on device transitions.
func (m *Machine) advanceProvisioning(ctx context.Context) {
	m.mux.Lock()
	advancer := m.advancer
	m.mux.Unlock()
	if advancer == nil {
		return
	}
	advanced := advancer.AdvanceToSucceeded(context.WithoutCancel(ctx))
	go func() {
		if _, err := advanced.Await(context.Background()); err != nil && !errors.Is(err, state.ErrInvalidTransition) {
			m.log.Error("Advancing provisioning after first lock state change failed", zap.Error(err))
		}
	}()
}

// Idle blocks until all transitions enqueued before the call completed.
func (m *Machine) Idle(ctx context.Context) error {
	return m.dispatcher.Idle(ctx)
}
