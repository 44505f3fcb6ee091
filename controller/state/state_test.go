// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceStateNames(t *testing.T) {
	assert := assert.New(t)

	for _, st := range DeviceStates() {
		parsed, err := ParseDeviceState(st.String())
		assert.NoError(err)
		assert.Equal(st, parsed)
	}
	for _, event := range DeviceEvents() {
		parsed, err := ParseDeviceEvent(event.String())
		assert.NoError(err)
		assert.Equal(event, parsed)
	}
	for _, event := range ProvisionEvents() {
		parsed, err := ParseProvisionEvent(event.String())
		assert.NoError(err)
		assert.Equal(event, parsed)
	}

	_, err := ParseDeviceState("BRICKED")
	assert.Error(err)
	_, err = ParseDeviceEvent("REBOOT")
	assert.Error(err)
	assert.Equal("DeviceState(42)", DeviceState(42).String())
	assert.Equal("ProvisionState(-1)", ProvisionState(-1).String())
	assert.False(FinalizationState(7).Valid())
}

func TestPredicates(t *testing.T) {
	var locked, unrestricted, provisioning []DeviceState
	for _, st := range DeviceStates() {
		if st.IsLocked() {
			locked = append(locked, st)
		}
		if st.IsUnrestricted() {
			unrestricted = append(unrestricted, st)
		}
		if st.IsInProvisioning() {
			provisioning = append(provisioning, st)
		}
	}

	if diff := cmp.Diff([]DeviceState{Locked, PseudoLocked}, locked); diff != "" {
		t.Errorf("locked states mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]DeviceState{Unprovisioned, Cleared, PseudoLocked, PseudoUnlocked}, unrestricted); diff != "" {
		t.Errorf("unrestricted states mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]DeviceState{ProvisionInProgress, ProvisionPaused, ProvisionFailed, KioskProvisioned}, provisioning); diff != "" {
		t.Errorf("provisioning states mismatch (-want +got):\n%s", diff)
	}
}

func TestStateTransitionError(t *testing.T) {
	assert := assert.New(t)

	var err error = &StateTransitionError{State: Cleared, Event: EventLock}
	assert.Equal("invalid transition: state CLEARED does not accept event LOCK_DEVICE", err.Error())
	assert.ErrorIs(fmt.Errorf("wrapped: %w", err), ErrInvalidTransition)
	assert.False(errors.Is(errors.New("other"), ErrInvalidTransition))
}

func TestStatusJSON(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	raw, err := json.Marshal(Status{Device: "LOCKED", Provision: "PROVISION_SUCCEEDED", Finalization: "UNFINALIZED"})
	require.NoError(err)
	assert.JSONEq(`{"device":"LOCKED","provision":"PROVISION_SUCCEEDED","finalization":"UNFINALIZED","setupComplete":false}`, string(raw))
}
