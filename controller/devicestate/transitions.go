// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package devicestate

import "github.com/edgelesssys/devicelock/controller/state"

type edges map[state.DeviceEvent]state.DeviceState

var (
	lockable = edges{
		state.EventLock:   state.Locked,
		state.EventUnlock: state.Unlocked,
		state.EventClear:  state.Cleared,
	}
	pseudo = edges{
		state.EventLock:           state.PseudoLocked,
		state.EventUnlock:         state.PseudoUnlocked,
		state.EventProvisionReady: state.ProvisionInProgress,
	}
)

var transitions = map[state.DeviceState]edges{
	state.Unprovisioned:  pseudo,
	state.PseudoLocked:   pseudo,
	state.PseudoUnlocked: pseudo,
	state.ProvisionInProgress: {
		state.EventProvisionPause:   state.ProvisionPaused,
		state.EventProvisionKiosk:   state.KioskProvisioned,
		state.EventProvisionFailure: state.ProvisionFailed,
	},
	state.ProvisionPaused: {
		state.EventProvisionResume: state.ProvisionInProgress,
	},
	state.ProvisionFailed: {
		state.EventProvisionRetry: state.ProvisionInProgress,
		state.EventClear:          state.Cleared,
	},
	state.KioskProvisioned: {
		state.EventProvisionSuccess: state.ProvisionSucceeded,
		state.EventLock:             state.Locked,
		state.EventUnlock:           state.Unlocked,
	},
	state.ProvisionSucceeded: lockable,
	state.Locked:             lockable,
	state.Unlocked:           lockable,
	state.Cleared:            {},
}

// Next returns the state reached from current by event.
// It returns a *state.StateTransitionError if current does not accept event.
func Next(current state.DeviceState, event state.DeviceEvent) (state.DeviceState, error) {
	next, ok := transitions[current][event]
	if !ok {
		return current, &state.StateTransitionError{State: current, Event: event}
	}
	return next, nil
}
