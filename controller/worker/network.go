// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// AlwaysOnline is a NetworkMonitor reporting the network as always available.
type AlwaysOnline struct{}

// WaitOnline returns immediately.
func (AlwaysOnline) WaitOnline(ctx context.Context) error {
	return ctx.Err()
}

// ProbeMonitor considers the network available once a probe URL answers.
type ProbeMonitor struct {
	URL      string
	Client   *http.Client
	Interval time.Duration
	Log      *zap.Logger
}

// WaitOnline probes the URL until it answers or ctx is done.
func (p *ProbeMonitor) WaitOnline(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, http.NoBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating probe request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			p.Log.Debug("Network probe failed", zap.String("url", p.URL), zap.Error(err))
			return err
		}
		resp.Body.Close()
		return nil
	}
	return backoff.Retry(probe, backoff.WithContext(backoff.NewConstantBackOff(p.Interval), ctx))
}
