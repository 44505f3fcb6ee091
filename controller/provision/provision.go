// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package provision implements the provisioning state machine and the provisioner acquiring the kiosk app.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgelesssys/devicelock/controller/dispatch"
	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/setup"
	"github.com/edgelesssys/devicelock/controller/state"
	"go.uber.org/zap"
)

// Repository persists the provisioning state.
type Repository interface {
	ProvisionState(context.Context) (state.ProvisionState, error)
	SetProvisionState(context.Context, state.ProvisionState) error
	SetProvisionFailure(context.Context, state.ProvisionFailure) error
}

// DeviceMachine is the device state machine driven by provisioning.
type DeviceMachine interface {
	State(ctx context.Context) *dispatch.Future[state.DeviceState]
	SetNextStateForEvent(ctx context.Context, event state.DeviceEvent) *dispatch.Future[state.DeviceState]
}

// Machine is the provisioning state machine.
type Machine struct {
	repo       Repository
	device     DeviceMachine
	setup      *setup.Signal
	dispatcher *dispatch.Dispatcher[state.ProvisionState]
	log        *zap.Logger
	metrics    *metrics.MachineMetrics
	eventLog   *events.Log
}

// New creates a provisioning state machine driving device.
// Provisioning becomes ready only after setupSignal was raised.
func New(repo Repository, device DeviceMachine, setupSignal *setup.Signal, log *zap.Logger, m *metrics.MachineMetrics, eventLog *events.Log) *Machine {
	return &Machine{
		repo:       repo,
		device:     device,
		setup:      setupSignal,
		dispatcher: dispatch.New(repo.ProvisionState, log),
		log:        log,
		metrics:    m,
		eventLog:   eventLog,
	}
}

// State returns a future resolving to the state after all pending transitions.
func (m *Machine) State(ctx context.Context) *dispatch.Future[state.ProvisionState] {
	return m.dispatcher.Current(ctx)
}

// SetNextStateForEvent transitions provisioning according to event and drives the device state machine accordingly.
// The future resolves after the device transition completed.
func (m *Machine) SetNextStateForEvent(ctx context.Context, event state.ProvisionEvent) *dispatch.Future[state.ProvisionState] {
	return m.transition(ctx, event, nil)
}

// NotifyProvisioningReady starts provisioning once user setup completed.
// Until then the ready event is deferred and the future stays unresolved.
func (m *Machine) NotifyProvisioningReady(ctx context.Context) *dispatch.Future[state.ProvisionState] {
	f, resolve := dispatch.NewPromise[state.ProvisionState]()
	ctx = context.WithoutCancel(ctx)
	ready := func() {
		st, err := m.SetNextStateForEvent(ctx, state.ProvisionReady).Await(ctx)
		resolve(st, err)
	}
	if m.setup.OnComplete(func() { go ready() }) {
		return m.SetNextStateForEvent(ctx, state.ProvisionReady)
	}
	m.log.Info("Deferring provisioning until user setup is complete")
	return f
}

// AdvanceToSucceeded completes provisioning after the device was locked or unlocked for the first time.
func (m *Machine) AdvanceToSucceeded(ctx context.Context) *dispatch.Future[state.ProvisionState] {
	return m.SetNextStateForEvent(ctx, state.ProvisionSuccess)
}

// Fail records failure and transitions provisioning to failed.
func (m *Machine) Fail(ctx context.Context, failure state.ProvisionFailure) *dispatch.Future[state.ProvisionState] {
	return m.transition(ctx, state.ProvisionFail, func(ctx context.Context) error {
		if err := m.repo.SetProvisionFailure(ctx, failure); err != nil {
			return fmt.Errorf("persisting provision failure: %w", err)
		}
		m.eventLog.Failure(failure.Code, failure.Message)
		return nil
	})
}

// Idle blocks until all transitions enqueued before the call completed.
func (m *Machine) Idle(ctx context.Context) error {
	return m.dispatcher.Idle(ctx)
}

func (m *Machine) transition(ctx context.Context, event state.ProvisionEvent, before func(context.Context) error) *dispatch.Future[state.ProvisionState] {
	return m.dispatcher.Enqueue(ctx, func(ctx context.Context, current state.ProvisionState) (state.ProvisionState, error) {
		next, err := Next(current, event)
		if err != nil {
			m.log.Warn("Rejected provision state transition", zap.Stringer("state", current), zap.Stringer("event", event))
			m.metrics.Rejected(event)
			return current, err
		}
		if before != nil {
			if err := before(ctx); err != nil {
				return current, err
			}
		}

		if err := m.repo.SetProvisionState(ctx, next); err != nil {
			return current, fmt.Errorf("persisting provision state %s: %w", next, err)
		}
		m.log.Info("Provision state changed", zap.Stringer("from", current), zap.Stringer("to", next), zap.Stringer("event", event))
		m.metrics.Transition(event, int(next))
		m.eventLog.Transition("provision", event.String(), current.String(), next.String())

		_ = dispatch.Contain(m.log, "drive device state", func() { m.driveDevice(ctx, event) })
		return next, nil
	})
}

// driveDevice applies the device event matching event and waits for it.
// The provisioning transition stands even if the device rejects the event.
func (m *Machine) driveDevice(ctx context.Context, event state.ProvisionEvent) {
	deviceEvent := deviceEvents[event]
	if event == state.ProvisionSuccess {
		current, err := m.device.State(ctx).Await(ctx)
		if err != nil {
			m.log.Error("Reading device state failed", zap.Error(err))
			return
		}
		if current != state.KioskProvisioned {
			m.log.Debug("Device already left kiosk provisioned state", zap.Stringer("device", current))
			return
		}
	}

	_, err := m.device.SetNextStateForEvent(ctx, deviceEvent).Await(ctx)
	switch {
	case errors.Is(err, state.ErrInvalidTransition):
		m.log.Warn("Device rejected provisioning event", zap.Stringer("event", deviceEvent), zap.Error(err))
	case err != nil:
		m.log.Error("Device transition for provisioning event failed", zap.Stringer("event", deviceEvent), zap.Error(err))
	}
}
