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
	"io"
	"sync"
	"time"

	"github.com/edgelesssys/devicelock/controller/dispatch"
	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// PackageInstaller installs app packages on the device.
type PackageInstaller interface {
	// OpenSession starts installing pkg.
	OpenSession(ctx context.Context, pkg string) (Session, error)
	// IsInstalled reports whether pkg is installed.
	IsInstalled(ctx context.Context, pkg string) (bool, error)
}

// Session is an install session. The package's bytes are written to it before it is committed.
type Session interface {
	io.Writer
	// Commit finishes the session. onComplete is called with the result once the installation completed,
	// but the call may be lost.
	Commit(ctx context.Context, onComplete func(error)) error
	// Close releases the session. An uncommitted session is abandoned.
	Close() error
}

// DefaultPollInterval is used if no positive install poll interval is given.
const DefaultPollInterval = time.Second

// Result paths of an installation.
const (
	resolvedByBroadcast = "broadcast"
	resolvedByPoll      = "poll"
)

// Installer installs the verified kiosk artifact.
type Installer struct {
	fs           afero.Fs
	installer    PackageInstaller
	pollInterval time.Duration
	pollAttempts int
	log          *zap.Logger
}

// NewInstaller creates an Installer. If the completion broadcast is lost, the installation is detected by
// polling every pollInterval, at most pollAttempts times. A non-positive pollInterval falls back to DefaultPollInterval.
func NewInstaller(fs afero.Fs, installer PackageInstaller, pollInterval time.Duration, pollAttempts int, log *zap.Logger) *Installer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Installer{
		fs:           fs,
		installer:    installer,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
		log:          log,
	}
}

// Run installs the artifact at KeyPath as the package named by KeyPackage.
func (i *Installer) Run(ctx context.Context, input worker.Data) (worker.Data, error) {
	pkg, _ := input.String(KeyPackage)
	if pkg == "" {
		return failure(taskError(EmptyPackageName, nil))
	}
	path, _ := input.String(KeyPath)

	if err := i.write(ctx, pkg, path); err != nil {
		return failure(err)
	}
	return nil, nil
}

func (i *Installer) write(ctx context.Context, pkg, path string) *TaskError {
	artifact, err := i.fs.Open(path)
	if err != nil {
		return taskError(WriteSessionFailed, err)
	}
	defer artifact.Close()

	session, err := i.installer.OpenSession(ctx, pkg)
	if err != nil {
		return taskError(OpenSessionFailed, err)
	}
	defer session.Close()

	if _, err := io.Copy(session, artifact); err != nil {
		return taskError(WriteSessionFailed, err)
	}

	result, resolve := i.race(pkg)
	onComplete := func(err error) {
		if err != nil {
			err = taskError(InstallFailed, err)
		}
		resolve(resolvedByBroadcast, err)
	}
	if err := session.Commit(ctx, onComplete); err != nil {
		return taskError(CommitFailed, err)
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i.poll(pollCtx, pkg, result, resolve)
	}()
	defer wg.Wait()
	defer cancelPoll()

	by, err := result.Await(ctx)
	if err != nil {
		var taskErr *TaskError
		if errors.As(err, &taskErr) {
			return taskErr
		}
		return taskError(InstallFailed, err)
	}
	i.log.Info("Kiosk app installed", zap.String("package", pkg), zap.String("detectedBy", by))
	return nil
}

// race returns the future of an installation and the function resolving it.
// Only the first path resolving the future counts, the other one is logged and ignored.
func (i *Installer) race(pkg string) (*dispatch.Future[string], func(by string, err error)) {
	f, resolvePromise := dispatch.NewPromise[string]()
	var mux sync.Mutex
	winner := ""
	return f, func(by string, err error) {
		mux.Lock()
		defer mux.Unlock()
		if resolvePromise(by, err) {
			winner = by
			return
		}
		i.log.Debug("Ignoring install result, already resolved",
			zap.String("package", pkg), zap.String("winner", winner), zap.String("ignored", by), zap.Error(err))
	}
}

func (i *Installer) poll(ctx context.Context, pkg string, result *dispatch.Future[string], resolve func(string, error)) {
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= i.pollAttempts; attempt++ {
		select {
		case <-result.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if result.Resolved() {
			return
		}
		installed, err := i.installer.IsInstalled(ctx, pkg)
		if err != nil {
			i.log.Debug("Polling install state failed", zap.String("package", pkg), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if installed {
			resolve(resolvedByPoll, nil)
			return
		}
	}
	resolve(resolvedByPoll, taskError(InstallTimeout, fmt.Errorf("%s not installed after %d polls", pkg, i.pollAttempts)))
}
