// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/edgelesssys/devicelock/cli/internal/rest"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the device",
		Long:  "Show the device, provisioning and finalization state of the device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			return cliStatus(cmd.Context(), cmd.OutOrStdout(), client)
		},
		SilenceUsage: true,
	}
}

func cliStatus(ctx context.Context, out io.Writer, client getter) error {
	resp, err := client.Get(ctx, rest.StatusEndpoint)
	if err != nil {
		return fmt.Errorf("getting status: %w", err)
	}
	status := resp.Data
	fmt.Fprintf(out, "Device:         %s\n", status.Get("device").String())
	fmt.Fprintf(out, "Provisioning:   %s\n", status.Get("provision").String())
	if failure := status.Get("provisionFailure"); failure.Exists() {
		fmt.Fprintf(out, "Last failure:   %d %s\n", failure.Get("code").Int(), failure.Get("message").String())
	}
	fmt.Fprintf(out, "Finalization:   %s\n", status.Get("finalization").String())
	fmt.Fprintf(out, "Setup complete: %t\n", status.Get("setupComplete").Bool())
	if id := status.Get("registeredDeviceID"); id.Exists() {
		fmt.Fprintf(out, "Device ID:      %s\n", id.String())
	}
	return nil
}
