// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgelesssys/devicelock/controller/config"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const (
	pollWindow = 100 * time.Millisecond
	pollTick   = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ControllerPackage = "com.example.controller"
	cfg.Kiosk.Package = "com.example.kiosk"
	cfg.Policy.LockTaskAllowlist = []string{"com.example.dialer"}
	return cfg
}

func TestEnforceLocked(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	dm := NewMemoryDeviceManager()
	enforcer, err := NewEnforcerFromConfig(testConfig(), dm, zaptest.NewLogger(t), nil)
	require.NoError(err)

	require.NoError(enforcer.Enforce(ctx, state.Locked))

	settings, err := dm.Settings(ctx)
	require.NoError(err)
	assert.Equal([]string{"com.example.controller", "com.example.kiosk"}, settings.UninstallBlocked)
	assert.Equal([]string{"com.example.controller", "com.example.kiosk"}, settings.UserControlDisabled)
	assert.Equal([]string{"com.example.controller", "com.example.kiosk"}, settings.BackgroundExempt)
	assert.Equal([]string{"com.example.controller", "com.example.kiosk"}, settings.KeepAlive)
	assert.Equal([]string{"com.example.kiosk"}, settings.Roles[KioskRole])
	// lock task runs after package protection computed the permitted packages
	assert.Equal([]string{"com.example.controller", "com.example.dialer", "com.example.kiosk"}, settings.LockTaskPackages)
	assert.Equal([]string{"NOTIFICATIONS", "SYSTEM_INFO"}, settings.LockTaskFeatures)
	assert.ElementsMatch(testConfig().Policy.UserRestrictions.Locked, settings.UserRestrictions)

	assert.True(enforcer.IsCompliant(ctx, state.Locked))
	assert.False(enforcer.IsCompliant(ctx, state.Unlocked))
}

func TestEnforceReleased(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	dm := NewMemoryDeviceManager()
	enforcer, err := NewEnforcerFromConfig(testConfig(), dm, zaptest.NewLogger(t), nil)
	require.NoError(err)

	require.NoError(enforcer.Enforce(ctx, state.Locked))
	require.NoError(enforcer.Enforce(ctx, state.Cleared))

	settings, err := dm.Settings(ctx)
	require.NoError(err)
	assert.Empty(settings.UninstallBlocked)
	assert.Empty(settings.UserControlDisabled)
	assert.Empty(settings.BackgroundExempt)
	assert.Empty(settings.KeepAlive)
	assert.Empty(settings.Roles)
	assert.Empty(settings.LockTaskPackages)
	assert.Empty(settings.LockTaskFeatures)
	assert.Empty(settings.UserRestrictions)

	compliance := enforcer.Compliance(ctx, state.Cleared)
	assert.Len(compliance, len(config.HandlerNames()))
	for name, compliant := range compliance {
		assert.True(compliant, name)
	}
}

func TestEnforceUnlockedIsNotPinned(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	dm := NewMemoryDeviceManager()
	enforcer, err := NewEnforcerFromConfig(testConfig(), dm, zaptest.NewLogger(t), nil)
	require.NoError(err)

	require.NoError(enforcer.Enforce(ctx, state.Unlocked))
	settings, err := dm.Settings(ctx)
	require.NoError(err)
	assert.Empty(settings.LockTaskPackages)
	assert.Equal([]string{"com.example.controller", "com.example.kiosk"}, settings.UninstallBlocked)
	assert.True(enforcer.IsCompliant(ctx, state.Unlocked))
}

func TestEnforceBestEffort(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	m := metrics.New(&fac, "test")

	dm := NewMemoryDeviceManager()
	dm.FailWith(OpSetKeepAlivePackages, ErrPermissionDenied)
	enforcer, err := NewEnforcerFromConfig(testConfig(), dm, zaptest.NewLogger(t), m.Policy)
	require.NoError(err)

	err = enforcer.Enforce(ctx, state.Locked)
	require.Error(err)
	assert.ErrorIs(err, ErrPermissionDenied)
	var handlerErr *HandlerError
	require.ErrorAs(err, &handlerErr)
	assert.Equal(config.HandlerKeepAlive, handlerErr.Handler)

	// the remaining handlers still applied their policies
	settings, err := dm.Settings(ctx)
	require.NoError(err)
	assert.NotEmpty(settings.LockTaskPackages)
	assert.NotEmpty(settings.UninstallBlocked)
	assert.Empty(settings.KeepAlive)

	compliance := enforcer.Compliance(ctx, state.Locked)
	assert.False(compliance[config.HandlerKeepAlive])
	assert.True(compliance[config.HandlerLockTask])

	dm.FailWith(OpSetKeepAlivePackages, nil)
	assert.NoError(enforcer.Enforce(ctx, state.Locked))
}

func TestPackageProtectionFailureKeepsAllowlist(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	dm := NewMemoryDeviceManager()
	dm.FailWith(OpSetUninstallBlocked, ErrPermissionDenied)
	enforcer, err := NewEnforcerFromConfig(testConfig(), dm, zaptest.NewLogger(t), nil)
	require.NoError(err)

	err = enforcer.Enforce(ctx, state.Locked)
	var handlerErr *HandlerError
	require.ErrorAs(err, &handlerErr)
	assert.Equal(config.HandlerPackageProtection, handlerErr.Handler)

	settings, err := dm.Settings(ctx)
	require.NoError(err)
	assert.Equal([]string{"com.example.controller", "com.example.dialer", "com.example.kiosk"}, settings.LockTaskPackages)
	// the handler still applies what it can
	assert.Equal([]string{"com.example.controller", "com.example.kiosk"}, settings.UserControlDisabled)
	assert.True(enforcer.Compliance(ctx, state.Locked)[config.HandlerLockTask])
}

func TestLockTaskComplianceBeforeEnforce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	dm := NewMemoryDeviceManager()
	enforcer, err := NewEnforcerFromConfig(testConfig(), dm, zaptest.NewLogger(t), nil)
	require.NoError(err)
	assert.False(enforcer.Compliance(ctx, state.Locked)[config.HandlerLockTask])

	// settings left behind by an earlier process
	require.NoError(dm.SetLockTaskPackages(ctx, []string{"com.example.kiosk", "com.example.dialer", "com.example.controller"}))
	require.NoError(dm.SetLockTaskFeatures(ctx, testConfig().Policy.LockTaskFeatures))
	assert.True(enforcer.Compliance(ctx, state.Locked)[config.HandlerLockTask])
	assert.False(enforcer.Compliance(ctx, state.Cleared)[config.HandlerLockTask])
}

func TestEnforceLogsConfiguredPhase(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	core, logs := observer.New(zap.ErrorLevel)
	enforcer := NewEnforcer(zap.New(core), nil,
		Registration{Phase: 3, Handler: &stubHandler{name: "first"}},
		Registration{Phase: 7, Handler: &stubHandler{name: "second", err: ErrPermissionDenied}},
	)

	require.Error(enforcer.Enforce(context.Background(), state.Locked))
	entries := logs.FilterField(zap.String("handler", "second")).All()
	require.Len(entries, 1)
	assert.EqualValues(7, entries[0].ContextMap()["phase"])
}

func TestEnforcePanickingHandler(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ok := &stubHandler{name: "ok"}
	enforcer := NewEnforcer(zaptest.NewLogger(t), nil,
		Registration{Handler: &stubHandler{name: "panics", panics: true}},
		Registration{Handler: ok},
	)

	err := enforcer.Enforce(ctx, state.Locked)
	var handlerErr *HandlerError
	assert.ErrorAs(err, &handlerErr)
	assert.Equal("panics", handlerErr.Handler)
	assert.Equal([]state.DeviceState{state.Locked}, ok.applied())

	compliance := enforcer.Compliance(ctx, state.Locked)
	assert.False(compliance["panics"])
	assert.True(compliance["ok"])
}

func TestEnforcePhases(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var mux sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mux.Lock()
			order = append(order, name)
			mux.Unlock()
		}
	}

	release := make(chan struct{})
	slow := &stubHandler{name: "slow", block: release, onApply: record("slow")}
	late := &stubHandler{name: "late", onApply: record("late")}
	enforcer := NewEnforcer(zaptest.NewLogger(t), nil,
		Registration{Phase: 5, Handler: late},
		Registration{Phase: 0, Handler: slow},
		Registration{Phase: 0, Handler: &stubHandler{name: "fast", onApply: record("fast")}},
	)

	done := make(chan error)
	go func() { done <- enforcer.Enforce(ctx, state.Locked) }()

	assert.Never(func() bool { return len(late.applied()) > 0 }, pollWindow, pollTick)
	close(release)
	assert.NoError(<-done)

	require.Len(t, order, 3)
	assert.Equal("late", order[2])
}

func TestEnforceNoHandlers(t *testing.T) {
	enforcer := NewEnforcer(zaptest.NewLogger(t), nil)
	assert.NoError(t, enforcer.Enforce(context.Background(), state.Locked))
	assert.True(t, enforcer.IsCompliant(context.Background(), state.Locked))
}

func TestNewEnforcerFromConfigUnknownHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Handlers = append(cfg.Policy.Handlers, config.HandlerRegistration{Name: "foo"})
	_, err := NewEnforcerFromConfig(cfg, NewMemoryDeviceManager(), zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestMemoryDeviceManager(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	dm := NewMemoryDeviceManager()
	require.NoError(dm.AddRoleHolder(ctx, "role", "b"))
	require.NoError(dm.AddRoleHolder(ctx, "role", "a"))
	require.NoError(dm.AddRoleHolder(ctx, "role", "a"))
	require.NoError(dm.SetLockTaskPackages(ctx, []string{"z", "", "y", "z"}))

	settings, err := dm.Settings(ctx)
	require.NoError(err)
	assert.Equal([]string{"a", "b"}, settings.Roles["role"])
	assert.Equal([]string{"y", "z"}, settings.LockTaskPackages)

	// returned settings are a copy
	settings.Roles["role"][0] = "x"
	settings, err = dm.Settings(ctx)
	require.NoError(err)
	assert.Equal([]string{"a", "b"}, settings.Roles["role"])

	require.NoError(dm.RemoveRoleHolder(ctx, "role", "a"))
	require.NoError(dm.RemoveRoleHolder(ctx, "role", "b"))
	settings, err = dm.Settings(ctx)
	require.NoError(err)
	assert.NotContains(settings.Roles, "role")

	someErr := errors.New("failed")
	dm.FailWith(OpSettings, someErr)
	_, err = dm.Settings(ctx)
	assert.ErrorIs(err, someErr)
}

type stubHandler struct {
	name    string
	panics  bool
	err     error
	block   chan struct{}
	onApply func()

	mux     sync.Mutex
	applies []state.DeviceState
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) SetPolicyForState(_ context.Context, st state.DeviceState) error {
	if h.panics {
		panic("boom")
	}
	if h.block != nil {
		<-h.block
	}
	if h.onApply != nil {
		h.onApply()
	}
	h.mux.Lock()
	h.applies = append(h.applies, st)
	h.mux.Unlock()
	return h.err
}

func (h *stubHandler) IsCompliant(context.Context, state.DeviceState) (bool, error) {
	if h.panics {
		panic("boom")
	}
	return true, nil
}

func (h *stubHandler) applied() []state.DeviceState {
	h.mux.Lock()
	defer h.mux.Unlock()
	return append([]state.DeviceState{}, h.applies...)
}
