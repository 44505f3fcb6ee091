// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := map[string]struct {
		file    string
		wantErr bool
		check   func(*assert.Assertions, Config)
	}{
		"overrides defaults": {
			file: `
kiosk:
  package: com.example.kiosk
  downloadURL: https://example.com/kiosk.zip
  signatureChecksums: ["abc", "def"]
  downloadRetryDelay: 5s
provisioning:
  maxRetries: 1
`,
			check: func(assert *assert.Assertions, cfg Config) {
				assert.Equal("com.example.kiosk", cfg.Kiosk.Package)
				assert.Equal([]string{"abc", "def"}, cfg.Kiosk.SignatureChecksums)
				assert.Equal(5*time.Second, cfg.Kiosk.DownloadRetryDelay)
				assert.Equal(3, cfg.Kiosk.DownloadMaxAttempts)
				assert.Equal(1, cfg.Provisioning.MaxRetries)
				assert.Len(cfg.Policy.Handlers, len(HandlerNames()))
			},
		},
		"custom handler phases": {
			file: `
kiosk:
  package: com.example.kiosk
policy:
  handlers:
  - name: package-protection
  - name: lock-task
    phase: 2
`,
			check: func(assert *assert.Assertions, cfg Config) {
				assert.Equal([]HandlerRegistration{
					{Name: HandlerPackageProtection, Phase: 0},
					{Name: HandlerLockTask, Phase: 2},
				}, cfg.Policy.Handlers)
			},
		},
		"missing kiosk package": {
			file:    "controllerPackage: com.example.controller\n",
			wantErr: true,
		},
		"unknown handler": {
			file: `
kiosk:
  package: com.example.kiosk
policy:
  handlers:
  - name: foo
`,
			wantErr: true,
		},
		"non-positive attempts": {
			file: `
kiosk:
  package: com.example.kiosk
  downloadMaxAttempts: 0
`,
			wantErr: true,
		},
		"zero install poll interval": {
			file: `
kiosk:
  package: com.example.kiosk
  installPollInterval: 0s
`,
			wantErr: true,
		},
		"negative install poll interval": {
			file: `
kiosk:
  package: com.example.kiosk
  installPollInterval: -1s
`,
			wantErr: true,
		},
		"negative download retry delay": {
			file: `
kiosk:
  package: com.example.kiosk
  downloadRetryDelay: -2s
`,
			wantErr: true,
		},
		"zero download retry delay": {
			file: `
kiosk:
  package: com.example.kiosk
  downloadRetryDelay: 0s
`,
			check: func(assert *assert.Assertions, cfg Config) {
				assert.Zero(cfg.Kiosk.DownloadRetryDelay)
			},
		},
		"malformed yaml": {
			file:    "kiosk: [",
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			fs := afero.NewMemMapFs()
			require.NoError(afero.WriteFile(fs, "/config.yaml", []byte(tc.file), 0o600))

			cfg, err := Load(fs, "/config.yaml")
			if tc.wantErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			tc.check(assert, cfg)
		})
	}
}

func TestLoadNoFile(t *testing.T) {
	assert := assert.New(t)

	cfg, err := Load(afero.NewMemMapFs(), "")
	assert.NoError(err)
	assert.Equal(Default(), cfg)

	_, err = Load(afero.NewMemMapFs(), "/missing.yaml")
	assert.Error(err)
}

func TestDefaultValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
	cfg.Kiosk.Package = "com.example.kiosk"
	assert.NoError(t, cfg.Validate())

	cfg.Kiosk.InstallPollInterval = 0
	assert.Error(t, cfg.Validate())
}
