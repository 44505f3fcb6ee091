// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package policy

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrPermissionDenied is returned by a DeviceManager if the controller lacks the privilege for an operation.
var ErrPermissionDenied = errors.New("permission denied")

// DeviceManager is the privileged device management capability surface.
// Every operation may fail, e.g. with ErrPermissionDenied.
type DeviceManager interface {
	SetUninstallBlocked(ctx context.Context, pkg string, blocked bool) error
	SetUserControlDisabledPackages(ctx context.Context, pkgs []string) error
	SetBackgroundRestrictionExempt(ctx context.Context, pkgs []string, exempt bool) error
	SetLockTaskPackages(ctx context.Context, pkgs []string) error
	SetLockTaskFeatures(ctx context.Context, features []string) error
	SetUserRestrictions(ctx context.Context, restrictions []string) error
	AddRoleHolder(ctx context.Context, role, pkg string) error
	RemoveRoleHolder(ctx context.Context, role, pkg string) error
	SetKeepAlivePackages(ctx context.Context, pkgs []string) error
	// Settings returns the currently applied settings.
	Settings(ctx context.Context) (Settings, error)
}

// Settings is a snapshot of the settings applied through a DeviceManager.
type Settings struct {
	UninstallBlocked    []string            `json:"uninstallBlocked"`
	UserControlDisabled []string            `json:"userControlDisabled"`
	BackgroundExempt    []string            `json:"backgroundExempt"`
	LockTaskPackages    []string            `json:"lockTaskPackages"`
	LockTaskFeatures    []string            `json:"lockTaskFeatures"`
	UserRestrictions    []string            `json:"userRestrictions"`
	Roles               map[string][]string `json:"roles"`
	KeepAlive           []string            `json:"keepAlive"`
}

// Operation names of the DeviceManager, used to inject failures into MemoryDeviceManager.
const (
	OpSetUninstallBlocked            = "SetUninstallBlocked"
	OpSetUserControlDisabledPackages = "SetUserControlDisabledPackages"
	OpSetBackgroundRestrictionExempt = "SetBackgroundRestrictionExempt"
	OpSetLockTaskPackages            = "SetLockTaskPackages"
	OpSetLockTaskFeatures            = "SetLockTaskFeatures"
	OpSetUserRestrictions            = "SetUserRestrictions"
	OpAddRoleHolder                  = "AddRoleHolder"
	OpRemoveRoleHolder               = "RemoveRoleHolder"
	OpSetKeepAlivePackages           = "SetKeepAlivePackages"
	OpSettings                       = "Settings"
)

// MemoryDeviceManager is a DeviceManager keeping its settings in memory.
// It backs the controller where no platform device management is available, and tests.
type MemoryDeviceManager struct {
	mux      sync.Mutex
	settings Settings
	failures map[string]error
}

// NewMemoryDeviceManager creates an empty MemoryDeviceManager.
func NewMemoryDeviceManager() *MemoryDeviceManager {
	return &MemoryDeviceManager{
		settings: Settings{Roles: map[string][]string{}},
		failures: map[string]error{},
	}
}

// FailWith makes every later call of op return err. A nil err clears the failure.
func (m *MemoryDeviceManager) FailWith(op string, err error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetUninstallBlocked blocks or unblocks uninstallation of pkg.
func (m *MemoryDeviceManager) SetUninstallBlocked(_ context.Context, pkg string, blocked bool) error {
	return m.update(OpSetUninstallBlocked, func(s *Settings) {
		s.UninstallBlocked = setMember(s.UninstallBlocked, pkg, blocked)
	})
}

// SetUserControlDisabledPackages replaces the packages the user can not stop or clear.
func (m *MemoryDeviceManager) SetUserControlDisabledPackages(_ context.Context, pkgs []string) error {
	return m.update(OpSetUserControlDisabledPackages, func(s *Settings) {
		s.UserControlDisabled = normalize(pkgs)
	})
}

// SetBackgroundRestrictionExempt adds or removes pkgs from the background restriction exemptions.
func (m *MemoryDeviceManager) SetBackgroundRestrictionExempt(_ context.Context, pkgs []string, exempt bool) error {
	return m.update(OpSetBackgroundRestrictionExempt, func(s *Settings) {
		for _, pkg := range pkgs {
			s.BackgroundExempt = setMember(s.BackgroundExempt, pkg, exempt)
		}
	})
}

// SetLockTaskPackages replaces the lock task allowlist.
func (m *MemoryDeviceManager) SetLockTaskPackages(_ context.Context, pkgs []string) error {
	return m.update(OpSetLockTaskPackages, func(s *Settings) {
		s.LockTaskPackages = normalize(pkgs)
	})
}

// SetLockTaskFeatures replaces the features available in lock task mode.
func (m *MemoryDeviceManager) SetLockTaskFeatures(_ context.Context, features []string) error {
	return m.update(OpSetLockTaskFeatures, func(s *Settings) {
		s.LockTaskFeatures = normalize(features)
	})
}

// SetUserRestrictions replaces the managed user restrictions.
func (m *MemoryDeviceManager) SetUserRestrictions(_ context.Context, restrictions []string) error {
	return m.update(OpSetUserRestrictions, func(s *Settings) {
		s.UserRestrictions = normalize(restrictions)
	})
}

// AddRoleHolder grants role to pkg.
func (m *MemoryDeviceManager) AddRoleHolder(_ context.Context, role, pkg string) error {
	return m.update(OpAddRoleHolder, func(s *Settings) {
		s.Roles[role] = setMember(s.Roles[role], pkg, true)
	})
}

// RemoveRoleHolder revokes role from pkg.
func (m *MemoryDeviceManager) RemoveRoleHolder(_ context.Context, role, pkg string) error {
	return m.update(OpRemoveRoleHolder, func(s *Settings) {
		s.Roles[role] = setMember(s.Roles[role], pkg, false)
		if len(s.Roles[role]) == 0 {
			delete(s.Roles, role)
		}
	})
}

// SetKeepAlivePackages replaces the packages kept alive.
func (m *MemoryDeviceManager) SetKeepAlivePackages(_ context.Context, pkgs []string) error {
	return m.update(OpSetKeepAlivePackages, func(s *Settings) {
		s.KeepAlive = normalize(pkgs)
	})
}

// Settings returns a copy of the current settings.
func (m *MemoryDeviceManager) Settings(_ context.Context) (Settings, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if err := m.failures[OpSettings]; err != nil {
		return Settings{}, err
	}
	s := m.settings
	s.UninstallBlocked = slices.Clone(s.UninstallBlocked)
	s.UserControlDisabled = slices.Clone(s.UserControlDisabled)
	s.BackgroundExempt = slices.Clone(s.BackgroundExempt)
	s.LockTaskPackages = slices.Clone(s.LockTaskPackages)
	s.LockTaskFeatures = slices.Clone(s.LockTaskFeatures)
	s.UserRestrictions = slices.Clone(s.UserRestrictions)
	s.KeepAlive = slices.Clone(s.KeepAlive)
	s.Roles = make(map[string][]string, len(m.settings.Roles))
	for role, holders := range m.settings.Roles {
		s.Roles[role] = slices.Clone(holders)
	}
	return s, nil
}

func (m *MemoryDeviceManager) update(op string, fn func(*Settings)) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if err := m.failures[op]; err != nil {
		return err
	}
	fn(&m.settings)
	return nil
}

// setMember adds or removes v from the sorted set.
func setMember(set []string, v string, member bool) []string {
	idx, found := slices.BinarySearch(set, v)
	switch {
	case member && !found:
		return slices.Insert(set, idx, v)
	case !member && found:
		return slices.Delete(set, idx, idx+1)
	}
	return set
}

// normalize returns a sorted copy of values without duplicates and empty strings.
func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
