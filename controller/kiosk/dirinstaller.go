// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// DirInstaller installs packages by placing them in a directory as <package>.zip.
type DirInstaller struct {
	fs        afero.Fs
	dir       string
	broadcast bool
}

// DirInstallerOption configures a DirInstaller.
type DirInstallerOption func(*DirInstaller)

// WithoutBroadcast makes committed sessions never report their completion.
func WithoutBroadcast() DirInstallerOption {
	return func(d *DirInstaller) {
		d.broadcast = false
	}
}

// NewDirInstaller creates a DirInstaller using dir.
func NewDirInstaller(fs afero.Fs, dir string, opts ...DirInstallerOption) *DirInstaller {
	d := &DirInstaller{fs: fs, dir: dir, broadcast: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenSession implements PackageInstaller.
func (d *DirInstaller) OpenSession(_ context.Context, pkg string) (Session, error) {
	sessionDir := filepath.Join(d.dir, ".sessions")
	if err := d.fs.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, err
	}
	staging := filepath.Join(sessionDir, uuid.NewString())
	f, err := d.fs.OpenFile(staging, osCreateFlags, 0o600)
	if err != nil {
		return nil, err
	}
	return &dirSession{installer: d, pkg: pkg, staging: staging, file: f}, nil
}

// IsInstalled implements PackageInstaller.
func (d *DirInstaller) IsInstalled(_ context.Context, pkg string) (bool, error) {
	return afero.Exists(d.fs, d.packagePath(pkg))
}

func (d *DirInstaller) packagePath(pkg string) string {
	return filepath.Join(d.dir, pkg+".zip")
}

type dirSession struct {
	installer *DirInstaller
	pkg       string
	staging   string
	file      afero.File
	committed bool
}

func (s *dirSession) Write(p []byte) (int, error) {
	if s.committed {
		return 0, errors.New("session already committed")
	}
	return s.file.Write(p)
}

func (s *dirSession) Commit(_ context.Context, onComplete func(error)) error {
	if s.committed {
		return errors.New("session already committed")
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	s.committed = true

	err := s.installer.fs.Rename(s.staging, s.installer.packagePath(s.pkg))
	if s.installer.broadcast {
		onComplete(err)
	}
	return nil
}

func (s *dirSession) Close() error {
	if s.committed {
		return nil
	}
	_ = s.file.Close()
	if err := s.installer.fs.Remove(s.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
