// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cmd implements the commands of devicelockctl.
package cmd

import (
	"github.com/spf13/cobra"
)

var globalUsage = `devicelockctl controls the device lock controller running on this device
through its admin API.

To show the state of the device, run:

    $ devicelockctl status
`

// NewRootCmd returns the root command of the CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devicelockctl",
		Short: "Control the device lock controller",
		Long:  globalUsage,
	}
	rootCmd.PersistentFlags().String("host", "localhost:4434", "Address of the controller's admin API")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDeviceCmd("lock", "Lock the device"))
	rootCmd.AddCommand(newDeviceCmd("unlock", "Unlock the device"))
	rootCmd.AddCommand(newDeviceCmd("clear", "Clear all restrictions from the device for good"))
	rootCmd.AddCommand(newProvisionCmd())
	rootCmd.AddCommand(newSetupCompleteCmd())
	rootCmd.AddCommand(newFinalizeCmd())
	rootCmd.AddCommand(newComplianceCmd())
	rootCmd.AddCommand(newFlagsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute starts the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
