// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package policy

import (
	"fmt"

	"github.com/edgelesssys/devicelock/controller/config"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"go.uber.org/zap"
)

// NewEnforcerFromConfig creates an Enforcer with the handlers registered in cfg.
func NewEnforcerFromConfig(cfg config.Config, dm DeviceManager, log *zap.Logger, m *metrics.PolicyMetrics) (*Enforcer, error) {
	pkgs := Packages{Controller: cfg.ControllerPackage, Kiosk: cfg.Kiosk.Package}
	permitted := NewPermittedPackages(pkgs, cfg.Policy.LockTaskAllowlist)

	regs := make([]Registration, 0, len(cfg.Policy.Handlers))
	for _, reg := range cfg.Policy.Handlers {
		var h Handler
		switch reg.Name {
		case config.HandlerAppOps:
			h = NewAppOpsHandler(dm, pkgs)
		case config.HandlerUserRestrictions:
			h = NewUserRestrictionsHandler(dm, cfg.Policy.UserRestrictions)
		case config.HandlerPackageProtection:
			h = NewPackageProtectionHandler(dm, pkgs, permitted)
		case config.HandlerKioskRole:
			h = NewKioskRoleHandler(dm, cfg.Kiosk.Package)
		case config.HandlerKeepAlive:
			h = NewKeepAliveHandler(dm, pkgs)
		case config.HandlerLockTask:
			h = NewLockTaskHandler(dm, cfg.Policy.LockTaskFeatures, permitted, log.Named(config.HandlerLockTask))
		default:
			return nil, fmt.Errorf("unknown policy handler %q", reg.Name)
		}
		regs = append(regs, Registration{Phase: reg.Phase, Handler: h})
	}
	return NewEnforcer(log, m, regs...), nil
}
