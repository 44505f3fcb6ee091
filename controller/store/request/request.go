// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// request defines constants used to access the store.
package request

const (
	DeviceState        = "deviceState"
	FinalizationState  = "finalizationState"
	Flag               = "flag"
	KioskSignature     = "kioskSignature"
	ProvisionFailure   = "provisionFailure"
	ProvisionState     = "provisionState"
	RegisteredDeviceID = "registeredDeviceID"
)

// Flag names, stored under the Flag prefix.
const (
	FlagNeedsCheckIn      = "needsCheckIn"
	FlagProvisionForced   = "provisionForced"
	FlagUserSetupComplete = "userSetupComplete"
)
