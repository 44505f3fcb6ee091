// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/edgelesssys/devicelock/cli/internal/rest"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// settableFlags maps command line flags to the controller flags they set.
var settableFlags = map[string]string{
	"needs-check-in":   "needsCheckIn",
	"provision-forced": "provisionForced",
}

func newFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Show or set controller flags",
		Long: `Show or set controller flags.

Without flags, the current values are printed. Each given flag is set to the given value, e.g.:

    $ devicelockctl flags --provision-forced=true
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.Flags())
			if err != nil {
				return err
			}
			update, err := changedFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return cliFlags(cmd.Context(), cmd.OutOrStdout(), client, update)
		},
		SilenceUsage: true,
	}
	cmd.Flags().Bool("needs-check-in", false, "Whether the device needs to check in with the backend")
	cmd.Flags().Bool("provision-forced", false, "Whether provisioning is mandatory and retried automatically")
	return cmd
}

// changedFlags returns the controller flags set on the command line.
func changedFlags(flags *pflag.FlagSet) (map[string]bool, error) {
	update := map[string]bool{}
	for cliName, name := range settableFlags {
		if !flags.Changed(cliName) {
			continue
		}
		value, err := flags.GetBool(cliName)
		if err != nil {
			return nil, err
		}
		update[name] = value
	}
	return update, nil
}

type flagsClient interface {
	getter
	poster
}

func cliFlags(ctx context.Context, out io.Writer, client flagsClient, update map[string]bool) error {
	var resp rest.Response
	var err error
	if len(update) == 0 {
		resp, err = client.Get(ctx, rest.FlagsEndpoint)
	} else {
		body, marshalErr := json.Marshal(update)
		if marshalErr != nil {
			return marshalErr
		}
		resp, err = client.Post(ctx, rest.FlagsEndpoint, rest.ContentJSON, bytes.NewReader(body))
	}
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}

	flags := resp.Data.Map()
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s: %t\n", name, flags[name].Bool())
	}
	return nil
}
