// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package state

// KioskSignature is the signing identity accepted for the kiosk app.
// It is kept to re-verify the installed app later.
type KioskSignature struct {
	Package     string `json:"package"`
	Checksum    string `json:"checksum"`
	Certificate []byte `json:"certificate"`
}

// ProvisionFailure records why provisioning last failed.
type ProvisionFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Status is a snapshot of all state machines.
type Status struct {
	Device             string            `json:"device"`
	Provision          string            `json:"provision"`
	Finalization       string            `json:"finalization"`
	SetupComplete      bool              `json:"setupComplete"`
	RegisteredDeviceID string            `json:"registeredDeviceID,omitempty"`
	ProvisionFailure   *ProvisionFailure `json:"provisionFailure,omitempty"`
}
