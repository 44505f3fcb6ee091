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
	"sort"

	"github.com/edgelesssys/devicelock/cli/internal/rest"
	"github.com/spf13/cobra"
)

func newComplianceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compliance",
		Short: "Show whether the device policies are in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			return cliCompliance(cmd.Context(), cmd.OutOrStdout(), client)
		},
		SilenceUsage: true,
	}
}

func cliCompliance(ctx context.Context, out io.Writer, client getter) error {
	resp, err := client.Get(ctx, rest.ComplianceEndpoint)
	if err != nil {
		return fmt.Errorf("getting compliance: %w", err)
	}
	handlers := resp.Data.Map()
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	compliant := true
	for _, name := range names {
		status := "compliant"
		if !handlers[name].Bool() {
			status = "NOT compliant"
			compliant = false
		}
		fmt.Fprintf(out, "%-20s %s\n", name, status)
	}
	if !compliant {
		return fmt.Errorf("device is not compliant")
	}
	return nil
}
