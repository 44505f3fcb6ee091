// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"io"

	"github.com/edgelesssys/devicelock/cli/internal/rest"
	"github.com/spf13/pflag"
)

type getter interface {
	Get(ctx context.Context, path string) (rest.Response, error)
}

type poster interface {
	Post(ctx context.Context, path, contentType string, body io.Reader) (rest.Response, error)
}

// newClient creates a REST client for the host given by the command line flags.
func newClient(flags *pflag.FlagSet) (*rest.Client, error) {
	host, err := flags.GetString("host")
	if err != nil {
		return nil, err
	}
	return rest.NewClient(host), nil
}
