// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package controller assembles the state machines of the device lock controller and exposes them to the admin API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/edgelesssys/devicelock/controller/config"
	"github.com/edgelesssys/devicelock/controller/devicestate"
	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/finalize"
	"github.com/edgelesssys/devicelock/controller/kiosk"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/policy"
	"github.com/edgelesssys/devicelock/controller/provision"
	"github.com/edgelesssys/devicelock/controller/repository"
	"github.com/edgelesssys/devicelock/controller/server"
	"github.com/edgelesssys/devicelock/controller/setup"
	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/edgelesssys/devicelock/controller/store/request"
	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Dependencies are the collaborators of the controller.
type Dependencies struct {
	Repository    repository.Repository
	DeviceManager policy.DeviceManager
	Installer     kiosk.PackageInstaller
	Network       worker.NetworkMonitor
	HTTPClient    *http.Client
	Fs            afero.Fs
	Reporter      finalize.Reporter
	Disabler      finalize.Disabler
	// Metrics may be nil to disable metrics.
	Metrics *metrics.Metrics
	// EventLog may be nil to disable the event log.
	EventLog *events.Log
}

// Controller is the device lock controller.
type Controller struct {
	repo         repository.Repository
	enforcer     *policy.Enforcer
	scheduler    *worker.Scheduler
	setup        *setup.Signal
	device       *devicestate.Machine
	provision    *provision.Machine
	provisioner  *provision.Provisioner
	finalization *finalize.Machine
	log          *zap.Logger
}

// New creates a Controller.
func New(cfg config.Config, deps Dependencies, log *zap.Logger, opts ...finalize.Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil, "")
	}

	enforcer, err := policy.NewEnforcerFromConfig(cfg, deps.DeviceManager, log.Named("policy"), m.Policy)
	if err != nil {
		return nil, err
	}
	scheduler := worker.New(deps.Network, log.Named("worker"))
	signal := setup.New(deps.Repository, log.Named("setup"))

	device := devicestate.New(deps.Repository, enforcer, log.Named("device"), m.Device, deps.EventLog)
	provisionMachine := provision.New(deps.Repository, device, signal, log.Named("provision"), m.Provision, deps.EventLog)
	device.SetProvisionAdvancer(provisionMachine)
	finalization := finalize.New(deps.Repository, scheduler, deps.Reporter, deps.Disabler,
		log.Named("finalize"), m.Finalization, deps.EventLog, opts...)
	device.AddListener(finalization)

	pipelineLog := log.Named("kiosk")
	pipeline := &kiosk.Pipeline{
		Download: kiosk.NewDownloader(deps.HTTPClient, deps.Fs, cfg.Kiosk.DownloadDir, cfg.Kiosk.DownloadURL,
			cfg.Kiosk.DownloadMaxAttempts, cfg.Kiosk.DownloadRetryDelay, pipelineLog, m.Pipeline),
		Verify: kiosk.NewVerifier(deps.Fs, cfg.Kiosk.Package, cfg.Kiosk.SignatureChecksums, deps.Repository, pipelineLog),
		Install: kiosk.NewInstaller(deps.Fs, deps.Installer, cfg.Kiosk.InstallPollInterval,
			cfg.Kiosk.InstallPollAttempts, pipelineLog),
		Cleanup: kiosk.NewCleaner(deps.Fs, pipelineLog),
		Metrics: m.Pipeline,
	}
	provisioner := provision.NewProvisioner(provisionMachine, scheduler, pipeline, deps.Repository,
		cfg.Provisioning.MaxRetries, log.Named("provisioner"))

	return &Controller{
		repo:         deps.Repository,
		enforcer:     enforcer,
		scheduler:    scheduler,
		setup:        signal,
		device:       device,
		provision:    provisionMachine,
		provisioner:  provisioner,
		finalization: finalization,
		log:          log,
	}, nil
}

// Start restores the persisted state: it applies the policies of the current device state, resumes pending
// finalization and provisioning work and ensures a registered device ID exists.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.setup.Load(ctx); err != nil {
		return err
	}
	id, err := repository.EnsureRegisteredDeviceID(ctx, c.repo)
	if err != nil {
		return err
	}
	c.log.Info("Starting device lock controller", zap.String("registeredDeviceID", id))

	deviceState, err := c.device.EnforcePoliciesForCurrentState(ctx).Await(ctx)
	if err != nil {
		return fmt.Errorf("enforcing policies: %w", err)
	}
	if _, err := c.finalization.EnforceInitialState(ctx).Await(ctx); err != nil {
		return fmt.Errorf("initializing finalization: %w", err)
	}
	if deviceState == state.Cleared {
		if _, err := c.finalization.NotifyRestrictionsCleared(ctx).Await(ctx); err != nil {
			return fmt.Errorf("finalizing cleared device: %w", err)
		}
	}

	provisionState, err := c.provision.State(ctx).Await(ctx)
	if err != nil {
		return fmt.Errorf("loading provision state: %w", err)
	}
	if provisionState == state.ProvisionStateInProgress {
		c.log.Info("Resuming interrupted provisioning")
		c.provisioner.Start(ctx)
	}
	return nil
}

// Close cancels all background work.
func (c *Controller) Close() {
	c.scheduler.Close()
}

// Status implements server.API.
func (c *Controller) Status(ctx context.Context) (state.Status, error) {
	device, err := c.device.State(ctx).Await(ctx)
	if err != nil {
		return state.Status{}, err
	}
	prov, err := c.provision.State(ctx).Await(ctx)
	if err != nil {
		return state.Status{}, err
	}
	fin, err := c.finalization.GetState(ctx).Await(ctx)
	if err != nil {
		return state.Status{}, err
	}
	id, err := c.repo.RegisteredDeviceID(ctx)
	if err != nil {
		return state.Status{}, err
	}

	status := state.Status{
		Device:             device.String(),
		Provision:          prov.String(),
		Finalization:       fin.String(),
		SetupComplete:      c.setup.IsComplete(),
		RegisteredDeviceID: id,
	}
	failure, err := c.repo.ProvisionFailure(ctx)
	switch {
	case err == nil:
		status.ProvisionFailure = &failure
	case !errors.Is(err, store.ErrValueUnset):
		return state.Status{}, err
	}
	return status, nil
}

// DeviceEvent implements server.API.
func (c *Controller) DeviceEvent(ctx context.Context, event state.DeviceEvent) (state.DeviceState, error) {
	return c.device.SetNextStateForEvent(ctx, event).Await(ctx)
}

// Provision implements server.API.
func (c *Controller) Provision(ctx context.Context, action server.ProvisionAction) (state.ProvisionState, bool, error) {
	switch action {
	case server.ProvisionReady:
		f := c.provision.NotifyProvisioningReady(ctx)
		if !c.setup.IsComplete() {
			st, err := c.provision.State(ctx).Await(ctx)
			return st, true, err
		}
		st, err := f.Await(ctx)
		return st, false, err
	case server.ProvisionPause:
		st, err := c.provision.SetNextStateForEvent(ctx, state.ProvisionPause).Await(ctx)
		return st, false, err
	case server.ProvisionResume:
		st, err := c.provision.SetNextStateForEvent(ctx, state.ProvisionResume).Await(ctx)
		return st, false, err
	case server.ProvisionRetry:
		return c.background(ctx, c.provisioner.Retry(ctx).Done())
	case server.ProvisionStart:
		return c.background(ctx, c.provisioner.Start(ctx).Done())
	}
	return 0, false, fmt.Errorf("unknown provisioning action %q", action)
}

// background reports the current provisioning state of an operation that keeps running after the request.
func (c *Controller) background(ctx context.Context, done <-chan struct{}) (state.ProvisionState, bool, error) {
	st, err := c.provision.State(ctx).Await(ctx)
	select {
	case <-done:
		return st, false, err
	default:
		return st, true, err
	}
}

// SetupComplete implements server.API.
func (c *Controller) SetupComplete(ctx context.Context) error {
	return c.setup.Complete(ctx)
}

// ReportFinalized implements server.API.
func (c *Controller) ReportFinalized(ctx context.Context) (state.FinalizationState, error) {
	return c.finalization.NotifyReported(ctx).Await(ctx)
}

// Compliance implements server.API.
func (c *Controller) Compliance(ctx context.Context) (map[string]bool, error) {
	st, err := c.device.State(ctx).Await(ctx)
	if err != nil {
		return nil, err
	}
	return c.enforcer.Compliance(ctx, st), nil
}

// Flags implements server.API.
func (c *Controller) Flags(ctx context.Context) (map[string]bool, error) {
	return c.repo.Flags(ctx)
}

// SetFlags implements server.API. Only the check-in and forced provisioning flags can be set.
func (c *Controller) SetFlags(ctx context.Context, flags map[string]bool) error {
	for name := range flags {
		if name != request.FlagNeedsCheckIn && name != request.FlagProvisionForced {
			return &server.UnknownFlagError{Name: name}
		}
	}
	for name, value := range flags {
		if err := c.repo.SetFlag(ctx, name, value); err != nil {
			return err
		}
	}
	return nil
}
