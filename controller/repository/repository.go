// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package repository provides typed access to the controller's persisted state.
//
// State is split into two partitions: a per-user partition kept in a local store,
// and a global partition shared by all users of the device, usually reached through a remote store.
package repository

import (
	"context"
	"fmt"

	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/edgelesssys/devicelock/controller/store/request"
	"github.com/edgelesssys/devicelock/controller/store/wrapper"
	"github.com/google/uuid"
)

// Repository is the persistent state accessor used by the state machines.
type Repository interface {
	DeviceState(context.Context) (state.DeviceState, error)
	SetDeviceState(context.Context, state.DeviceState) error
	ProvisionState(context.Context) (state.ProvisionState, error)
	SetProvisionState(context.Context, state.ProvisionState) error
	FinalizationState(context.Context) (state.FinalizationState, error)
	SetFinalizationState(context.Context, state.FinalizationState) error

	Flag(ctx context.Context, name string) (bool, error)
	SetFlag(ctx context.Context, name string, value bool) error
	Flags(context.Context) (map[string]bool, error)

	RegisteredDeviceID(context.Context) (string, error)
	SetRegisteredDeviceID(context.Context, string) error
	KioskSignature(ctx context.Context, pkg string) (state.KioskSignature, error)
	SetKioskSignature(context.Context, state.KioskSignature) error
	// ProvisionFailure returns store.ErrValueUnset if provisioning never failed.
	ProvisionFailure(context.Context) (state.ProvisionFailure, error)
	SetProvisionFailure(context.Context, state.ProvisionFailure) error
}

// Local is a Repository backed by a single store.
type Local struct {
	store store.Store
}

// NewLocal creates a Repository on top of s.
func NewLocal(s store.Store) *Local {
	return &Local{store: s}
}

// DeviceState returns the persisted device state.
func (l *Local) DeviceState(ctx context.Context) (st state.DeviceState, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		st, err = w.GetDeviceState()
		return err
	})
	return st, err
}

// SetDeviceState persists the device state.
func (l *Local) SetDeviceState(ctx context.Context, st state.DeviceState) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutDeviceState(st) })
}

// ProvisionState returns the persisted provision state.
func (l *Local) ProvisionState(ctx context.Context) (st state.ProvisionState, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		st, err = w.GetProvisionState()
		return err
	})
	return st, err
}

// SetProvisionState persists the provision state.
func (l *Local) SetProvisionState(ctx context.Context, st state.ProvisionState) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutProvisionState(st) })
}

// FinalizationState returns the persisted finalization state.
func (l *Local) FinalizationState(ctx context.Context) (st state.FinalizationState, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		st, err = w.GetFinalizationState()
		return err
	})
	return st, err
}

// SetFinalizationState persists the finalization state.
func (l *Local) SetFinalizationState(ctx context.Context, st state.FinalizationState) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutFinalizationState(st) })
}

// Flag returns a boolean flag.
func (l *Local) Flag(ctx context.Context, name string) (value bool, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		value, err = w.GetFlag(name)
		return err
	})
	return value, err
}

// SetFlag persists a boolean flag.
func (l *Local) SetFlag(ctx context.Context, name string, value bool) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutFlag(name, value) })
}

// Flags returns all persisted flags.
func (l *Local) Flags(ctx context.Context) (flags map[string]bool, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		flags, err = w.GetFlags()
		return err
	})
	return flags, err
}

// RegisteredDeviceID returns the registered device ID, or an empty string.
func (l *Local) RegisteredDeviceID(ctx context.Context) (id string, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		id, err = w.GetRegisteredDeviceID()
		return err
	})
	return id, err
}

// SetRegisteredDeviceID persists the registered device ID.
func (l *Local) SetRegisteredDeviceID(ctx context.Context, id string) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutRegisteredDeviceID(id) })
}

// KioskSignature returns the accepted signing identity of a kiosk package.
func (l *Local) KioskSignature(ctx context.Context, pkg string) (sig state.KioskSignature, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		sig, err = w.GetKioskSignature(pkg)
		return err
	})
	return sig, err
}

// SetKioskSignature persists the accepted signing identity of a kiosk package.
func (l *Local) SetKioskSignature(ctx context.Context, sig state.KioskSignature) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutKioskSignature(sig) })
}

// ProvisionFailure returns the last provisioning failure.
func (l *Local) ProvisionFailure(ctx context.Context) (failure state.ProvisionFailure, err error) {
	err = l.read(ctx, func(w wrapper.Wrapper) error {
		failure, err = w.GetProvisionFailure()
		return err
	})
	return failure, err
}

// SetProvisionFailure persists the last provisioning failure.
func (l *Local) SetProvisionFailure(ctx context.Context, failure state.ProvisionFailure) error {
	return l.write(ctx, func(w wrapper.Wrapper) error { return w.PutProvisionFailure(failure) })
}

func (l *Local) read(ctx context.Context, fn func(wrapper.Wrapper) error) error {
	w, rollback, _, err := wrapper.WrapTransaction(ctx, l.store)
	if err != nil {
		return err
	}
	defer rollback()
	return fn(w)
}

func (l *Local) write(ctx context.Context, fn func(wrapper.Wrapper) error) error {
	w, rollback, commit, err := wrapper.WrapTransaction(ctx, l.store)
	if err != nil {
		return err
	}
	defer rollback()
	if err := fn(w); err != nil {
		return err
	}
	return commit(ctx)
}

// Partitioned routes each value to the per-user or the global partition.
//
// Global: device state, finalization state, registered device ID and all flags except user setup completion.
// Per-user: provision state, provision failure, kiosk signatures and user setup completion.
type Partitioned struct {
	User   Repository
	Global Repository
}

// DeviceState returns the device state from the global partition.
func (p *Partitioned) DeviceState(ctx context.Context) (state.DeviceState, error) {
	return p.Global.DeviceState(ctx)
}

// SetDeviceState persists the device state in the global partition.
func (p *Partitioned) SetDeviceState(ctx context.Context, st state.DeviceState) error {
	return p.Global.SetDeviceState(ctx, st)
}

// ProvisionState returns the provision state from the per-user partition.
func (p *Partitioned) ProvisionState(ctx context.Context) (state.ProvisionState, error) {
	return p.User.ProvisionState(ctx)
}

// SetProvisionState persists the provision state in the per-user partition.
func (p *Partitioned) SetProvisionState(ctx context.Context, st state.ProvisionState) error {
	return p.User.SetProvisionState(ctx, st)
}

// FinalizationState returns the finalization state from the global partition.
func (p *Partitioned) FinalizationState(ctx context.Context) (state.FinalizationState, error) {
	return p.Global.FinalizationState(ctx)
}

// SetFinalizationState persists the finalization state in the global partition.
func (p *Partitioned) SetFinalizationState(ctx context.Context, st state.FinalizationState) error {
	return p.Global.SetFinalizationState(ctx, st)
}

// Flag returns a flag from the partition owning it.
func (p *Partitioned) Flag(ctx context.Context, name string) (bool, error) {
	return p.flagPartition(name).Flag(ctx, name)
}

// SetFlag persists a flag in the partition owning it.
func (p *Partitioned) SetFlag(ctx context.Context, name string, value bool) error {
	return p.flagPartition(name).SetFlag(ctx, name, value)
}

// Flags returns the flags of both partitions.
func (p *Partitioned) Flags(ctx context.Context) (map[string]bool, error) {
	flags, err := p.Global.Flags(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading global flags: %w", err)
	}
	userFlags, err := p.User.Flags(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading user flags: %w", err)
	}
	for name, value := range userFlags {
		if !isUserFlag(name) {
			continue
		}
		flags[name] = value
	}
	return flags, nil
}

// RegisteredDeviceID returns the registered device ID from the global partition.
func (p *Partitioned) RegisteredDeviceID(ctx context.Context) (string, error) {
	return p.Global.RegisteredDeviceID(ctx)
}

// SetRegisteredDeviceID persists the registered device ID in the global partition.
func (p *Partitioned) SetRegisteredDeviceID(ctx context.Context, id string) error {
	return p.Global.SetRegisteredDeviceID(ctx, id)
}

// KioskSignature returns a kiosk signature from the per-user partition.
func (p *Partitioned) KioskSignature(ctx context.Context, pkg string) (state.KioskSignature, error) {
	return p.User.KioskSignature(ctx, pkg)
}

// SetKioskSignature persists a kiosk signature in the per-user partition.
func (p *Partitioned) SetKioskSignature(ctx context.Context, sig state.KioskSignature) error {
	return p.User.SetKioskSignature(ctx, sig)
}

// ProvisionFailure returns the last provisioning failure from the per-user partition.
func (p *Partitioned) ProvisionFailure(ctx context.Context) (state.ProvisionFailure, error) {
	return p.User.ProvisionFailure(ctx)
}

// SetProvisionFailure persists the last provisioning failure in the per-user partition.
func (p *Partitioned) SetProvisionFailure(ctx context.Context, failure state.ProvisionFailure) error {
	return p.User.SetProvisionFailure(ctx, failure)
}

func (p *Partitioned) flagPartition(name string) Repository {
	if isUserFlag(name) {
		return p.User
	}
	return p.Global
}

func isUserFlag(name string) bool {
	return name == request.FlagUserSetupComplete
}

// EnsureRegisteredDeviceID returns the registered device ID, generating and persisting a new one if none is set.
func EnsureRegisteredDeviceID(ctx context.Context, repo Repository) (string, error) {
	id, err := repo.RegisteredDeviceID(ctx)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := repo.SetRegisteredDeviceID(ctx, id); err != nil {
		return "", fmt.Errorf("persisting registered device ID: %w", err)
	}
	return id, nil
}
