// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/edgelesssys/devicelock/controller/config"
	"github.com/edgelesssys/devicelock/controller/state"
	"go.uber.org/zap"
)

// KioskRole is the role granted to the kiosk app once it is installed.
const KioskRole = "financed-device-kiosk"

// released reports whether st lifts all restrictions.
func released(st state.DeviceState) bool {
	return st.IsUnrestricted()
}

// kioskInstalled reports whether the kiosk app is installed in st.
func kioskInstalled(st state.DeviceState) bool {
	switch st {
	case state.KioskProvisioned, state.ProvisionSucceeded, state.Locked, state.Unlocked:
		return true
	}
	return false
}

// PermittedPackages is the set of packages allowed in lock task mode.
// The package protection handler publishes it for the enforced state and the lock task handler reads it in a later phase.
type PermittedPackages struct {
	base []string

	mux       sync.Mutex
	pkgs      []string
	published bool
}

// NewPermittedPackages creates the permitted packages for the protected packages plus extras.
func NewPermittedPackages(pkgs Packages, extras []string) *PermittedPackages {
	return &PermittedPackages{base: normalize(append(pkgs.list(), extras...))}
}

// ForState returns the packages permitted in st as derived from the configuration.
func (p *PermittedPackages) ForState(st state.DeviceState) []string {
	if released(st) {
		return nil
	}
	return slices.Clone(p.base)
}

// Publish makes the packages permitted in st visible to later phases.
func (p *PermittedPackages) Publish(st state.DeviceState) {
	pkgs := p.ForState(st)
	p.mux.Lock()
	defer p.mux.Unlock()
	p.pkgs = pkgs
	p.published = true
}

// Get returns the published packages. If none were published yet, it falls back to ForState(st).
func (p *PermittedPackages) Get(st state.DeviceState) []string {
	p.mux.Lock()
	defer p.mux.Unlock()
	if !p.published {
		return p.ForState(st)
	}
	return slices.Clone(p.pkgs)
}

// Packages names the packages the handlers protect.
type Packages struct {
	Controller string
	Kiosk      string
}

func (p Packages) list() []string {
	return normalize([]string{p.Controller, p.Kiosk})
}

// AppOpsHandler exempts the controller and the kiosk app from background restrictions.
type AppOpsHandler struct {
	dm   DeviceManager
	pkgs Packages
}

// NewAppOpsHandler creates an AppOpsHandler.
func NewAppOpsHandler(dm DeviceManager, pkgs Packages) *AppOpsHandler {
	return &AppOpsHandler{dm: dm, pkgs: pkgs}
}

// Name implements Handler.
func (h *AppOpsHandler) Name() string { return config.HandlerAppOps }

// SetPolicyForState implements Handler.
func (h *AppOpsHandler) SetPolicyForState(ctx context.Context, st state.DeviceState) error {
	return h.dm.SetBackgroundRestrictionExempt(ctx, h.pkgs.list(), !released(st))
}

// IsCompliant implements Handler.
func (h *AppOpsHandler) IsCompliant(ctx context.Context, st state.DeviceState) (bool, error) {
	settings, err := h.dm.Settings(ctx)
	if err != nil {
		return false, err
	}
	return allMembers(settings.BackgroundExempt, h.pkgs.list(), !released(st)), nil
}

// UserRestrictionsHandler applies the configured user restrictions of a state class.
type UserRestrictionsHandler struct {
	dm           DeviceManager
	restrictions config.UserRestrictions
}

// NewUserRestrictionsHandler creates a UserRestrictionsHandler.
func NewUserRestrictionsHandler(dm DeviceManager, restrictions config.UserRestrictions) *UserRestrictionsHandler {
	return &UserRestrictionsHandler{dm: dm, restrictions: restrictions}
}

// Name implements Handler.
func (h *UserRestrictionsHandler) Name() string { return config.HandlerUserRestrictions }

// SetPolicyForState implements Handler.
func (h *UserRestrictionsHandler) SetPolicyForState(ctx context.Context, st state.DeviceState) error {
	return h.dm.SetUserRestrictions(ctx, h.forState(st))
}

// IsCompliant implements Handler.
func (h *UserRestrictionsHandler) IsCompliant(ctx context.Context, st state.DeviceState) (bool, error) {
	settings, err := h.dm.Settings(ctx)
	if err != nil {
		return false, err
	}
	return slices.Equal(settings.UserRestrictions, normalize(h.forState(st))), nil
}

func (h *UserRestrictionsHandler) forState(st state.DeviceState) []string {
	switch {
	case released(st):
		return nil
	case st.IsInProvisioning():
		return h.restrictions.Provisioning
	case st == state.Locked:
		return h.restrictions.Locked
	default:
		return h.restrictions.Unlocked
	}
}

// PackageProtectionHandler prevents the user from uninstalling or stopping the controller and the kiosk app.
// It also publishes the packages permitted in lock task mode.
type PackageProtectionHandler struct {
	dm        DeviceManager
	pkgs      Packages
	permitted *PermittedPackages
}

// NewPackageProtectionHandler creates a PackageProtectionHandler.
func NewPackageProtectionHandler(dm DeviceManager, pkgs Packages, permitted *PermittedPackages) *PackageProtectionHandler {
	return &PackageProtectionHandler{dm: dm, pkgs: pkgs, permitted: permitted}
}

// Name implements Handler.
func (h *PackageProtectionHandler) Name() string { return config.HandlerPackageProtection }

// SetPolicyForState implements Handler.
// The permitted packages are published before any device call, so a failing call cannot leave the lock task
// handler with a stale allowlist.
func (h *PackageProtectionHandler) SetPolicyForState(ctx context.Context, st state.DeviceState) error {
	h.permitted.Publish(st)

	protect := !released(st)
	var errs []error
	for _, pkg := range h.pkgs.list() {
		if err := h.dm.SetUninstallBlocked(ctx, pkg, protect); err != nil {
			errs = append(errs, fmt.Errorf("setting uninstall blocked for %s: %w", pkg, err))
		}
	}

	var disabled []string
	if protect {
		disabled = h.pkgs.list()
	}
	if err := h.dm.SetUserControlDisabledPackages(ctx, disabled); err != nil {
		errs = append(errs, fmt.Errorf("setting user control disabled packages: %w", err))
	}
	return errors.Join(errs...)
}

// IsCompliant implements Handler.
func (h *PackageProtectionHandler) IsCompliant(ctx context.Context, st state.DeviceState) (bool, error) {
	settings, err := h.dm.Settings(ctx)
	if err != nil {
		return false, err
	}
	protect := !released(st)
	return allMembers(settings.UninstallBlocked, h.pkgs.list(), protect) &&
		allMembers(settings.UserControlDisabled, h.pkgs.list(), protect), nil
}

// KioskRoleHandler grants the kiosk role to the kiosk app once it is installed.
type KioskRoleHandler struct {
	dm    DeviceManager
	kiosk string
}

// NewKioskRoleHandler creates a KioskRoleHandler.
func NewKioskRoleHandler(dm DeviceManager, kiosk string) *KioskRoleHandler {
	return &KioskRoleHandler{dm: dm, kiosk: kiosk}
}

// Name implements Handler.
func (h *KioskRoleHandler) Name() string { return config.HandlerKioskRole }

// SetPolicyForState implements Handler.
func (h *KioskRoleHandler) SetPolicyForState(ctx context.Context, st state.DeviceState) error {
	if h.kiosk == "" {
		return nil
	}
	if kioskInstalled(st) {
		return h.dm.AddRoleHolder(ctx, KioskRole, h.kiosk)
	}
	return h.dm.RemoveRoleHolder(ctx, KioskRole, h.kiosk)
}

// IsCompliant implements Handler.
func (h *KioskRoleHandler) IsCompliant(ctx context.Context, st state.DeviceState) (bool, error) {
	if h.kiosk == "" {
		return true, nil
	}
	settings, err := h.dm.Settings(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(settings.Roles[KioskRole], h.kiosk) == kioskInstalled(st), nil
}

// KeepAliveHandler keeps the controller and the kiosk app running while restrictions apply.
type KeepAliveHandler struct {
	dm   DeviceManager
	pkgs Packages
}

// NewKeepAliveHandler creates a KeepAliveHandler.
func NewKeepAliveHandler(dm DeviceManager, pkgs Packages) *KeepAliveHandler {
	return &KeepAliveHandler{dm: dm, pkgs: pkgs}
}

// Name implements Handler.
func (h *KeepAliveHandler) Name() string { return config.HandlerKeepAlive }

// SetPolicyForState implements Handler.
func (h *KeepAliveHandler) SetPolicyForState(ctx context.Context, st state.DeviceState) error {
	if released(st) {
		return h.dm.SetKeepAlivePackages(ctx, nil)
	}
	return h.dm.SetKeepAlivePackages(ctx, h.pkgs.list())
}

// IsCompliant implements Handler.
func (h *KeepAliveHandler) IsCompliant(ctx context.Context, st state.DeviceState) (bool, error) {
	settings, err := h.dm.Settings(ctx)
	if err != nil {
		return false, err
	}
	if released(st) {
		return len(settings.KeepAlive) == 0, nil
	}
	return slices.Equal(settings.KeepAlive, h.pkgs.list()), nil
}

// LockTaskHandler pins the device to the permitted packages while it is locked or being provisioned.
type LockTaskHandler struct {
	dm        DeviceManager
	features  []string
	permitted *PermittedPackages
	log       *zap.Logger
}

// NewLockTaskHandler creates a LockTaskHandler. It must run in a later phase than the handler computing permitted.
func NewLockTaskHandler(dm DeviceManager, features []string, permitted *PermittedPackages, log *zap.Logger) *LockTaskHandler {
	return &LockTaskHandler{dm: dm, features: features, permitted: permitted, log: log}
}

// Name implements Handler.
func (h *LockTaskHandler) Name() string { return config.HandlerLockTask }

// SetPolicyForState implements Handler.
func (h *LockTaskHandler) SetPolicyForState(ctx context.Context, st state.DeviceState) error {
	pkgs, features := h.forState(st, h.permitted.Get(st))
	if pinned(st) && len(pkgs) == 0 {
		h.log.Warn("Lock task allowlist is empty", zap.Stringer("state", st))
	}
	if err := h.dm.SetLockTaskPackages(ctx, pkgs); err != nil {
		return fmt.Errorf("setting lock task packages: %w", err)
	}
	if err := h.dm.SetLockTaskFeatures(ctx, features); err != nil {
		return fmt.Errorf("setting lock task features: %w", err)
	}
	return nil
}

// IsCompliant implements Handler.
func (h *LockTaskHandler) IsCompliant(ctx context.Context, st state.DeviceState) (bool, error) {
	settings, err := h.dm.Settings(ctx)
	if err != nil {
		return false, err
	}
	pkgs, features := h.forState(st, h.permitted.ForState(st))
	return slices.Equal(settings.LockTaskPackages, normalize(pkgs)) &&
		slices.Equal(settings.LockTaskFeatures, normalize(features)), nil
}

func (h *LockTaskHandler) forState(st state.DeviceState, permitted []string) (pkgs, features []string) {
	if !pinned(st) {
		return nil, nil
	}
	return permitted, h.features
}

// pinned reports whether the device is pinned to the permitted packages in st.
func pinned(st state.DeviceState) bool {
	return st == state.Locked || st.IsInProvisioning()
}

// allMembers reports whether every value is in set (member) or none is (!member).
func allMembers(set, values []string, member bool) bool {
	for _, v := range values {
		if slices.Contains(set, v) != member {
			return false
		}
	}
	return true
}
