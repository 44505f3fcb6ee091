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

func newDeviceCmd(event, short string) *cobra.Command {
	return &cobra.Command{
		Use:   event,
		Short: short,
		Long:  short + ".",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			return cliDeviceEvent(cmd.Context(), cmd.OutOrStdout(), client, event)
		},
		SilenceUsage: true,
	}
}

func cliDeviceEvent(ctx context.Context, out io.Writer, client poster, event string) error {
	resp, err := client.Post(ctx, rest.DeviceEndpoint+event, "", nil)
	if err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	fmt.Fprintf(out, "Device state: %s\n", resp.Data.Get("state").String())
	return nil
}
