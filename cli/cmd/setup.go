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

func newSetupCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup-complete",
		Short: "Signal that the user finished the device setup",
		Long:  "Signal that the user finished the device setup. Deferred provisioning continues afterwards.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			return cliSetupComplete(cmd.Context(), cmd.OutOrStdout(), client)
		},
		SilenceUsage: true,
	}
}

func cliSetupComplete(ctx context.Context, out io.Writer, client poster) error {
	if _, err := client.Post(ctx, rest.SetupCompleteEndpoint, "", nil); err != nil {
		return fmt.Errorf("completing setup: %w", err)
	}
	fmt.Fprintln(out, "Setup complete")
	return nil
}

func newFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize-reported",
		Short: "Mark the finalization of the device as reported",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			return cliFinalizeReported(cmd.Context(), cmd.OutOrStdout(), client)
		},
		SilenceUsage: true,
	}
}

func cliFinalizeReported(ctx context.Context, out io.Writer, client poster) error {
	resp, err := client.Post(ctx, rest.FinalizeEndpoint, "", nil)
	if err != nil {
		return fmt.Errorf("reporting finalization: %w", err)
	}
	fmt.Fprintf(out, "Finalization state: %s\n", resp.Data.Get("state").String())
	return nil
}
