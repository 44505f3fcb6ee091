// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package state defines the states and events of the device lock controller's state machines.
//
// All values are persisted by their integer representation. Never reorder the constants.
package state

import (
	"errors"
	"fmt"
)

// DeviceState is the lock state of the device.
type DeviceState int

const (
	Unprovisioned DeviceState = iota
	ProvisionInProgress
	ProvisionSucceeded
	ProvisionPaused
	ProvisionFailed
	KioskProvisioned
	Unlocked
	Locked
	Cleared
	PseudoLocked
	PseudoUnlocked
	maxDeviceState
)

var deviceStateNames = [...]string{
	Unprovisioned:       "UNPROVISIONED",
	ProvisionInProgress: "PROVISION_IN_PROGRESS",
	ProvisionSucceeded:  "PROVISION_SUCCEEDED",
	ProvisionPaused:     "PROVISION_PAUSED",
	ProvisionFailed:     "PROVISION_FAILED",
	KioskProvisioned:    "KIOSK_PROVISIONED",
	Unlocked:            "UNLOCKED",
	Locked:              "LOCKED",
	Cleared:             "CLEARED",
	PseudoLocked:        "PSEUDO_LOCKED",
	PseudoUnlocked:      "PSEUDO_UNLOCKED",
}

func (s DeviceState) String() string {
	if !s.Valid() {
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
	return deviceStateNames[s]
}

// Valid reports whether s is one of the defined device states.
func (s DeviceState) Valid() bool {
	return s >= Unprovisioned && s < maxDeviceState
}

// IsLocked reports whether the device is, or pretends to be, locked.
func (s DeviceState) IsLocked() bool {
	return s == Locked || s == PseudoLocked
}

// IsUnrestricted reports whether no financing restrictions apply in this state.
func (s DeviceState) IsUnrestricted() bool {
	switch s {
	case Unprovisioned, Cleared, PseudoLocked, PseudoUnlocked:
		return true
	}
	return false
}

// IsInProvisioning reports whether provisioning has started but not yet succeeded.
func (s DeviceState) IsInProvisioning() bool {
	switch s {
	case ProvisionInProgress, ProvisionPaused, ProvisionFailed, KioskProvisioned:
		return true
	}
	return false
}

// DeviceStates returns all defined device states in declaration order.
func DeviceStates() []DeviceState {
	states := make([]DeviceState, 0, maxDeviceState)
	for s := Unprovisioned; s < maxDeviceState; s++ {
		states = append(states, s)
	}
	return states
}

// ParseDeviceState parses the name of a device state, e.g. "LOCKED".
func ParseDeviceState(name string) (DeviceState, error) {
	for i, n := range deviceStateNames {
		if n == name {
			return DeviceState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown device state %q", name)
}

// DeviceEvent is an external trigger of the device state machine.
type DeviceEvent int

const (
	EventProvisionReady DeviceEvent = iota
	EventProvisionPause
	EventProvisionResume
	EventProvisionKiosk
	EventProvisionSuccess
	EventProvisionFailure
	EventProvisionRetry
	EventLock
	EventUnlock
	EventClear
	maxDeviceEvent
)

var deviceEventNames = [...]string{
	EventProvisionReady:   "PROVISION_READY",
	EventProvisionPause:   "PROVISION_PAUSE",
	EventProvisionResume:  "PROVISION_RESUME",
	EventProvisionKiosk:   "PROVISION_KIOSK",
	EventProvisionSuccess: "PROVISION_SUCCESS",
	EventProvisionFailure: "PROVISION_FAILURE",
	EventProvisionRetry:   "PROVISION_RETRY",
	EventLock:             "LOCK_DEVICE",
	EventUnlock:           "UNLOCK_DEVICE",
	EventClear:            "CLEAR",
}

func (e DeviceEvent) String() string {
	if e < 0 || e >= maxDeviceEvent {
		return fmt.Sprintf("DeviceEvent(%d)", int(e))
	}
	return deviceEventNames[e]
}

// DeviceEvents returns all defined device events in declaration order.
func DeviceEvents() []DeviceEvent {
	events := make([]DeviceEvent, 0, maxDeviceEvent)
	for e := EventProvisionReady; e < maxDeviceEvent; e++ {
		events = append(events, e)
	}
	return events
}

// ParseDeviceEvent parses the name of a device event, e.g. "LOCK_DEVICE".
func ParseDeviceEvent(name string) (DeviceEvent, error) {
	for i, n := range deviceEventNames {
		if n == name {
			return DeviceEvent(i), nil
		}
	}
	return 0, fmt.Errorf("unknown device event %q", name)
}

// ProvisionState is the state of the provisioning lifecycle.
type ProvisionState int

const (
	ProvisionStateUnprovisioned ProvisionState = iota
	ProvisionStateInProgress
	ProvisionStatePaused
	ProvisionStateKioskProvisioned
	ProvisionStateSucceeded
	ProvisionStateFailed
	maxProvisionState
)

var provisionStateNames = [...]string{
	ProvisionStateUnprovisioned:    "UNPROVISIONED",
	ProvisionStateInProgress:       "PROVISION_IN_PROGRESS",
	ProvisionStatePaused:           "PROVISION_PAUSED",
	ProvisionStateKioskProvisioned: "KIOSK_PROVISIONED",
	ProvisionStateSucceeded:        "PROVISION_SUCCEEDED",
	ProvisionStateFailed:           "PROVISION_FAILED",
}

func (s ProvisionState) String() string {
	if !s.Valid() {
		return fmt.Sprintf("ProvisionState(%d)", int(s))
	}
	return provisionStateNames[s]
}

// Valid reports whether s is one of the defined provision states.
func (s ProvisionState) Valid() bool {
	return s >= ProvisionStateUnprovisioned && s < maxProvisionState
}

// ProvisionStates returns all defined provision states in declaration order.
func ProvisionStates() []ProvisionState {
	states := make([]ProvisionState, 0, maxProvisionState)
	for s := ProvisionStateUnprovisioned; s < maxProvisionState; s++ {
		states = append(states, s)
	}
	return states
}

// ProvisionEvent is an external trigger of the provision state machine.
type ProvisionEvent int

const (
	ProvisionReady ProvisionEvent = iota
	ProvisionPause
	ProvisionResume
	ProvisionKioskInstalled
	ProvisionSuccess
	ProvisionFail
	ProvisionRetry
	maxProvisionEvent
)

var provisionEventNames = [...]string{
	ProvisionReady:          "PROVISION_READY",
	ProvisionPause:          "PROVISION_PAUSE",
	ProvisionResume:         "PROVISION_RESUME",
	ProvisionKioskInstalled: "PROVISION_KIOSK",
	ProvisionSuccess:        "PROVISION_SUCCESS",
	ProvisionFail:           "PROVISION_FAILURE",
	ProvisionRetry:          "PROVISION_RETRY",
}

func (e ProvisionEvent) String() string {
	if e < 0 || e >= maxProvisionEvent {
		return fmt.Sprintf("ProvisionEvent(%d)", int(e))
	}
	return provisionEventNames[e]
}

// ProvisionEvents returns all defined provision events in declaration order.
func ProvisionEvents() []ProvisionEvent {
	events := make([]ProvisionEvent, 0, maxProvisionEvent)
	for e := ProvisionReady; e < maxProvisionEvent; e++ {
		events = append(events, e)
	}
	return events
}

// ParseProvisionEvent parses the name of a provision event, e.g. "PROVISION_PAUSE".
func ParseProvisionEvent(name string) (ProvisionEvent, error) {
	for i, n := range provisionEventNames {
		if n == name {
			return ProvisionEvent(i), nil
		}
	}
	return 0, fmt.Errorf("unknown provision event %q", name)
}

// FinalizationState is the state of the finalization sequence.
// Once past FinalizationUninitialized it only ever moves forward.
type FinalizationState int

const (
	FinalizationUninitialized FinalizationState = iota
	FinalizationUnfinalized
	FinalizationUnreported
	Finalized
	maxFinalizationState
)

var finalizationStateNames = [...]string{
	FinalizationUninitialized: "UNINITIALIZED",
	FinalizationUnfinalized:   "UNFINALIZED",
	FinalizationUnreported:    "FINALIZED_UNREPORTED",
	Finalized:                 "FINALIZED",
}

func (s FinalizationState) String() string {
	if !s.Valid() {
		return fmt.Sprintf("FinalizationState(%d)", int(s))
	}
	return finalizationStateNames[s]
}

// Valid reports whether s is one of the defined finalization states.
func (s FinalizationState) Valid() bool {
	return s >= FinalizationUninitialized && s < maxFinalizationState
}

// ErrInvalidTransition matches every StateTransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid state transition")

// StateTransitionError is returned when a state machine has no transition for an event in its current state.
type StateTransitionError struct {
	State fmt.Stringer
	Event fmt.Stringer
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: state %s does not accept event %s", e.State, e.Event)
}

// Is implements errors.Is for ErrInvalidTransition.
func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
