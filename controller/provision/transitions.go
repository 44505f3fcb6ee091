// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package provision

import "github.com/edgelesssys/devicelock/controller/state"

var transitions = map[state.ProvisionState]map[state.ProvisionEvent]state.ProvisionState{
	state.ProvisionStateUnprovisioned: {
		state.ProvisionReady: state.ProvisionStateInProgress,
	},
	state.ProvisionStateInProgress: {
		state.ProvisionPause:          state.ProvisionStatePaused,
		state.ProvisionKioskInstalled: state.ProvisionStateKioskProvisioned,
		state.ProvisionFail:           state.ProvisionStateFailed,
	},
	state.ProvisionStatePaused: {
		state.ProvisionResume: state.ProvisionStateInProgress,
	},
	state.ProvisionStateFailed: {
		state.ProvisionRetry: state.ProvisionStateInProgress,
	},
	state.ProvisionStateKioskProvisioned: {
		state.ProvisionSuccess: state.ProvisionStateSucceeded,
	},
}

// deviceEvents maps provision events to the device event of the same meaning.
var deviceEvents = map[state.ProvisionEvent]state.DeviceEvent{
	state.ProvisionReady:          state.EventProvisionReady,
	state.ProvisionPause:          state.EventProvisionPause,
	state.ProvisionResume:         state.EventProvisionResume,
	state.ProvisionKioskInstalled: state.EventProvisionKiosk,
	state.ProvisionSuccess:        state.EventProvisionSuccess,
	state.ProvisionFail:           state.EventProvisionFailure,
	state.ProvisionRetry:          state.EventProvisionRetry,
}

// Next returns the state reached from current on event.
func Next(current state.ProvisionState, event state.ProvisionEvent) (state.ProvisionState, error) {
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return current, &state.StateTransitionError{State: current, Event: event}
}
