// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgelesssys/devicelock/controller/dispatch"
	"github.com/edgelesssys/devicelock/controller/kiosk"
	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/store/request"
	"github.com/edgelesssys/devicelock/controller/worker"
	"go.uber.org/zap"
)

// WorkName is the unique name of the kiosk install work.
const WorkName = "kiosk-install"

// Pipeline creates the work acquiring the kiosk app.
type Pipeline interface {
	Request(input worker.Data) worker.Request
}

// FlagReader reads persisted flags.
type FlagReader interface {
	Flag(ctx context.Context, name string) (bool, error)
}

// Provisioner acquires the kiosk app and feeds the outcome into the provisioning state machine.
type Provisioner struct {
	machine    *Machine
	scheduler  *worker.Scheduler
	pipeline   Pipeline
	flags      FlagReader
	maxRetries int
	log        *zap.Logger
}

// NewProvisioner creates a Provisioner. If provisioning is forced, a failed installation is retried up to maxRetries times.
func NewProvisioner(machine *Machine, scheduler *worker.Scheduler, pipeline Pipeline, flags FlagReader, maxRetries int, log *zap.Logger) *Provisioner {
	return &Provisioner{
		machine:    machine,
		scheduler:  scheduler,
		pipeline:   pipeline,
		flags:      flags,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Start marks provisioning ready and installs the kiosk app.
// The future resolves to the provisioning state after the outcome of the installation was applied.
func (p *Provisioner) Start(ctx context.Context) *dispatch.Future[state.ProvisionState] {
	return dispatch.Go(context.WithoutCancel(ctx), func(ctx context.Context) (state.ProvisionState, error) {
		st, err := p.machine.NotifyProvisioningReady(ctx).Await(ctx)
		if err != nil {
			// resume an installation interrupted e.g. by a restart
			if !errors.Is(err, state.ErrInvalidTransition) || st != state.ProvisionStateInProgress {
				return st, err
			}
			p.log.Info("Provisioning already in progress, resuming installation")
		}
		return p.install(ctx)
	})
}

// Retry retries a failed provisioning.
func (p *Provisioner) Retry(ctx context.Context) *dispatch.Future[state.ProvisionState] {
	return dispatch.Go(context.WithoutCancel(ctx), func(ctx context.Context) (state.ProvisionState, error) {
		if st, err := p.machine.SetNextStateForEvent(ctx, state.ProvisionRetry).Await(ctx); err != nil {
			return st, err
		}
		return p.install(ctx)
	})
}

func (p *Provisioner) install(ctx context.Context) (state.ProvisionState, error) {
	for attempt := 0; ; attempt++ {
		work := p.scheduler.EnqueueUniqueWork(WorkName, worker.Keep, p.pipeline.Request(nil))
		info, err := work.Wait(ctx)
		if err != nil {
			return state.ProvisionStateInProgress, err
		}

		switch info.Status {
		case worker.Succeeded:
			return p.machine.SetNextStateForEvent(ctx, state.ProvisionKioskInstalled).Await(ctx)
		case worker.Cancelled:
			p.log.Info("Kiosk installation cancelled")
			return p.machine.State(ctx).Await(ctx)
		}

		code, ok := kiosk.ErrorCodeOf(info)
		if ok && code == kiosk.DeleteFileFailed {
			p.log.Warn("Kiosk installed, but removing the downloaded artifact failed", zap.Error(info.Err))
			return p.machine.SetNextStateForEvent(ctx, state.ProvisionKioskInstalled).Await(ctx)
		}

		failure := state.ProvisionFailure{Code: int(code), Message: fmt.Sprint(info.Err)}
		if !ok {
			failure.Code = -1
		}
		st, err := p.machine.Fail(ctx, failure).Await(ctx)
		if err != nil {
			return st, err
		}

		forced, err := p.flags.Flag(ctx, request.FlagProvisionForced)
		if err != nil {
			p.log.Error("Reading provision forced flag failed", zap.Error(err))
		}
		if !forced || attempt >= p.maxRetries {
			p.log.Warn("Provisioning failed", zap.Int("code", failure.Code), zap.String("message", failure.Message))
			return st, nil
		}

		p.log.Info("Provisioning is forced, retrying", zap.Int("attempt", attempt+1), zap.Int("maxRetries", p.maxRetries))
		if st, err := p.machine.SetNextStateForEvent(ctx, state.ProvisionRetry).Await(ctx); err != nil {
			return st, err
		}
	}
}
