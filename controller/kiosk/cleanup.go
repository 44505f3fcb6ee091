// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kiosk

import (
	"context"

	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Cleaner deletes the downloaded artifact.
type Cleaner struct {
	fs  afero.Fs
	log *zap.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(fs afero.Fs, log *zap.Logger) *Cleaner {
	return &Cleaner{fs: fs, log: log}
}

// Run removes the file at KeyPath. A file that is already gone is not an error.
func (c *Cleaner) Run(_ context.Context, input worker.Data) (worker.Data, error) {
	path, _ := input.String(KeyPath)
	if path == "" {
		return nil, nil
	}
	if err := c.fs.Remove(path); err != nil && !isNotExist(err) {
		return failure(taskError(DeleteFileFailed, err))
	}
	c.log.Debug("Removed kiosk artifact", zap.String("path", path))
	return nil, nil
}
