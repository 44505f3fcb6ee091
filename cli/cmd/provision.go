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

var provisionActions = []string{"ready", "pause", "resume", "retry", "start"}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision ACTION",
		Short: "Drive the provisioning of the device",
		Long: `Drive the provisioning of the device.

Actions:
  ready   mark provisioning ready, deferred until user setup completes
  pause   pause provisioning
  resume  resume paused provisioning
  start   mark provisioning ready and install the kiosk app
  retry   retry failed provisioning
`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: provisionActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			return cliProvision(cmd.Context(), cmd.OutOrStdout(), client, args[0])
		},
		SilenceUsage: true,
	}
}

func cliProvision(ctx context.Context, out io.Writer, client poster, action string) error {
	resp, err := client.Post(ctx, rest.ProvisionEndpoint+action, "", nil)
	if err != nil {
		return fmt.Errorf("provisioning %s: %w", action, err)
	}
	fmt.Fprintf(out, "Provisioning state: %s\n", resp.Data.Get("state").String())
	if resp.Accepted {
		fmt.Fprintln(out, "The operation continues in the background, check its progress with: devicelockctl status")
	}
	return nil
}
