// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticID string

func (s staticID) RegisteredDeviceID(context.Context) (string, error) {
	return string(s), nil
}

func TestReporter(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	status := http.StatusOK
	var got finalizedReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(http.MethodPost, r.Method)
		assert.NoError(json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	reporter := newReporter(srv.Client(), srv.URL, staticID("device-1"), zaptest.NewLogger(t))
	require.NoError(reporter.ReportDeviceFinalized(context.Background()))
	assert.Equal("device-1", got.RegisteredDeviceID)

	status = http.StatusServiceUnavailable
	assert.Error(reporter.ReportDeviceFinalized(context.Background()))

	// without URL the report only gets logged
	reporter = newReporter(srv.Client(), "", staticID("device-1"), zaptest.NewLogger(t))
	assert.NoError(reporter.ReportDeviceFinalized(context.Background()))
}

func TestDisabler(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fs := afero.NewMemMapFs()
	disabled, err := isDisabled(fs, "data")
	require.NoError(err)
	assert.False(disabled)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(newDisabler(fs, "data", cancel, zaptest.NewLogger(t)).Disable(context.Background()))
	assert.Error(ctx.Err())

	disabled, err = isDisabled(fs, "data")
	require.NoError(err)
	assert.True(disabled)
}
