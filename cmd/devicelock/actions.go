// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/edgelesssys/devicelock/controller/finalize"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// disabledMarker is created in the data directory once the controller disabled itself.
const disabledMarker = "disabled"

type deviceIDSource interface {
	RegisteredDeviceID(context.Context) (string, error)
}

type finalizedReport struct {
	RegisteredDeviceID string `json:"registeredDeviceID"`
}

// newReporter reports the finalized device to url. Without url, the report is only logged.
func newReporter(client *http.Client, url string, ids deviceIDSource, log *zap.Logger) finalize.Reporter {
	return finalize.ReporterFunc(func(ctx context.Context) error {
		id, err := ids.RegisteredDeviceID(ctx)
		if err != nil {
			return fmt.Errorf("reading registered device ID: %w", err)
		}
		if url == "" {
			log.Info("Device finalized", zap.String("registeredDeviceID", id))
			return nil
		}

		body, err := json.Marshal(finalizedReport{RegisteredDeviceID: id})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("report rejected: %s", resp.Status)
		}
		log.Info("Reported finalized device", zap.String("registeredDeviceID", id))
		return nil
	})
}

// newDisabler revokes future activations of the controller and stops the running one.
func newDisabler(fs afero.Fs, dataDir string, stop context.CancelFunc, log *zap.Logger) finalize.Disabler {
	return finalize.DisablerFunc(func(context.Context) error {
		if err := fs.MkdirAll(dataDir, 0o700); err != nil {
			return err
		}
		if err := afero.WriteFile(fs, filepath.Join(dataDir, disabledMarker), nil, 0o600); err != nil {
			return fmt.Errorf("writing disabled marker: %w", err)
		}
		log.Info("Controller disabled, shutting down")
		stop()
		return nil
	})
}

func isDisabled(fs afero.Fs, dataDir string) (bool, error) {
	return afero.Exists(fs, filepath.Join(dataDir, disabledMarker))
}
