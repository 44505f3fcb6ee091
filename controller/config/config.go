// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Names of the policy handlers that can be registered.
const (
	HandlerAppOps            = "app-ops"
	HandlerUserRestrictions  = "user-restrictions"
	HandlerPackageProtection = "package-protection"
	HandlerKioskRole         = "kiosk-role"
	HandlerKeepAlive         = "keep-alive"
	HandlerLockTask          = "lock-task"
)

// HandlerNames returns the names of all known policy handlers.
func HandlerNames() []string {
	return []string{
		HandlerAppOps, HandlerUserRestrictions, HandlerPackageProtection,
		HandlerKioskRole, HandlerKeepAlive, HandlerLockTask,
	}
}

// Config is the configuration of the device lock controller.
type Config struct {
	// ControllerPackage is the package name of the controller itself.
	ControllerPackage string       `yaml:"controllerPackage"`
	Kiosk             Kiosk        `yaml:"kiosk"`
	Policy            Policy       `yaml:"policy"`
	Provisioning      Provisioning `yaml:"provisioning"`
}

// Kiosk configures acquisition of the kiosk app.
type Kiosk struct {
	Package             string        `yaml:"package"`
	DownloadURL         string        `yaml:"downloadURL"`
	SignatureChecksums  []string      `yaml:"signatureChecksums"`
	DownloadDir         string        `yaml:"downloadDir"`
	DownloadMaxAttempts int           `yaml:"downloadMaxAttempts"`
	DownloadRetryDelay  time.Duration `yaml:"downloadRetryDelay"`
	InstallPollInterval time.Duration `yaml:"installPollInterval"`
	InstallPollAttempts int           `yaml:"installPollAttempts"`
}

// Policy configures the policy handlers.
type Policy struct {
	// Handlers lists the registered handlers. Handlers of a lower phase complete before a higher phase starts.
	Handlers          []HandlerRegistration `yaml:"handlers"`
	LockTaskAllowlist []string              `yaml:"lockTaskAllowlist"`
	LockTaskFeatures  []string              `yaml:"lockTaskFeatures"`
	UserRestrictions  UserRestrictions      `yaml:"userRestrictions"`
}

// HandlerRegistration registers a policy handler in an enforcement phase.
type HandlerRegistration struct {
	Name  string `yaml:"name"`
	Phase int    `yaml:"phase"`
}

// UserRestrictions lists the user restrictions applied per class of device state.
type UserRestrictions struct {
	Provisioning []string `yaml:"provisioning"`
	Locked       []string `yaml:"locked"`
	Unlocked     []string `yaml:"unlocked"`
}

// Provisioning configures the provisioning flow.
type Provisioning struct {
	// MaxRetries is the number of automatic retries of a failed provisioning when provisioning is forced.
	MaxRetries int `yaml:"maxRetries"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ControllerPackage: "com.edgeless.devicelock",
		Kiosk: Kiosk{
			DownloadDir:         "downloads",
			DownloadMaxAttempts: 3,
			DownloadRetryDelay:  time.Second,
			InstallPollInterval: time.Second,
			InstallPollAttempts: 30,
		},
		Policy: Policy{
			Handlers: []HandlerRegistration{
				{Name: HandlerAppOps, Phase: 0},
				{Name: HandlerUserRestrictions, Phase: 0},
				{Name: HandlerPackageProtection, Phase: 0},
				{Name: HandlerKioskRole, Phase: 0},
				{Name: HandlerKeepAlive, Phase: 0},
				// the lock task allowlist is composed from the permitted packages computed in phase 0
				{Name: HandlerLockTask, Phase: 1},
			},
			LockTaskFeatures: []string{"SYSTEM_INFO", "NOTIFICATIONS"},
			UserRestrictions: UserRestrictions{
				Provisioning: []string{"no_factory_reset", "no_safe_boot"},
				Locked:       []string{"no_factory_reset", "no_safe_boot", "no_add_user", "no_config_date_time"},
				Unlocked:     []string{"no_factory_reset", "no_safe_boot"},
			},
		},
		Provisioning: Provisioning{MaxRetries: 3},
	}
}

// Load returns the default configuration overridden by the YAML file at path.
// An empty path returns the defaults.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	if c.Kiosk.Package == "" {
		errs = append(errs, errors.New("kiosk package must be set"))
	}
	if c.Kiosk.DownloadMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("download max attempts must be positive, got %d", c.Kiosk.DownloadMaxAttempts))
	}
	if c.Kiosk.DownloadRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("download retry delay must not be negative, got %s", c.Kiosk.DownloadRetryDelay))
	}
	if c.Kiosk.InstallPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("install poll interval must be positive, got %s", c.Kiosk.InstallPollInterval))
	}
	if c.Kiosk.InstallPollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("install poll attempts must be positive, got %d", c.Kiosk.InstallPollAttempts))
	}
	if c.Provisioning.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("provisioning max retries must not be negative, got %d", c.Provisioning.MaxRetries))
	}

	known := map[string]bool{}
	for _, name := range HandlerNames() {
		known[name] = true
	}
	seen := map[string]bool{}
	for _, h := range c.Policy.Handlers {
		if !known[h.Name] {
			errs = append(errs, fmt.Errorf("unknown policy handler %q", h.Name))
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("policy handler %q registered twice", h.Name))
		}
		if h.Phase < 0 {
			errs = append(errs, fmt.Errorf("policy handler %q has negative phase %d", h.Name, h.Phase))
		}
		seen[h.Name] = true
	}
	return errors.Join(errs...)
}
