// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package finalize

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/repository"
	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/store/stdstore"
	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func TestAllowed(t *testing.T) {
	all := []state.FinalizationState{
		state.FinalizationUninitialized, state.FinalizationUnfinalized, state.FinalizationUnreported, state.Finalized,
	}
	want := map[[2]state.FinalizationState]bool{
		{state.FinalizationUninitialized, state.FinalizationUninitialized}: true,
		{state.FinalizationUninitialized, state.FinalizationUnfinalized}:   true,
		{state.FinalizationUninitialized, state.FinalizationUnreported}:    true,
		{state.FinalizationUninitialized, state.Finalized}:                 true,
		{state.FinalizationUnfinalized, state.FinalizationUnreported}:      true,
		{state.FinalizationUnreported, state.Finalized}:                    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, want[[2]state.FinalizationState{from, to}], allowed(from, to), "%s -> %s", from, to)
		}
	}
}

type fixture struct {
	repo      *repository.Local
	scheduler *worker.Scheduler
	machine   *Machine
	reports   atomic.Int32
	disables  atomic.Int32
	failFirst int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		repo:      repository.NewLocal(stdstore.New(afero.NewMemMapFs(), "data", log)),
		scheduler: worker.New(worker.AlwaysOnline{}, log),
	}
	t.Cleanup(f.scheduler.Close)

	reporter := ReporterFunc(func(context.Context) error {
		if f.reports.Add(1) <= f.failFirst {
			return errors.New("authority unreachable")
		}
		return nil
	})
	disabler := DisablerFunc(func(context.Context) error {
		f.disables.Add(1)
		return nil
	})
	zeroBackoff := func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	f.machine = New(f.repo, f.scheduler, reporter, disabler, log, nil, events.NewLog(), WithReportBackoff(zeroBackoff))
	return f
}

func (f *fixture) waitFinalized(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		st, err := f.machine.GetState(ctx).Await(ctx)
		return err == nil && st == state.Finalized
	}, waitFor, tick)
	work, ok := f.scheduler.Work(ReportWorkName)
	require.True(t, ok)
	info, err := work.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, worker.Succeeded, info.Status)
}

func TestEnforceInitialState(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnfinalized, st)
	persisted, err := f.repo.FinalizationState(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnfinalized, persisted)

	// a second run keeps the initialized state
	st, err = f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnfinalized, st)
	_, scheduled := f.scheduler.Work(ReportWorkName)
	assert.False(scheduled)
}

func TestFinalization(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.failFirst = 2

	_, err := f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)

	st, err := f.machine.NotifyRestrictionsCleared(ctx).Await(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnreported, st)

	f.waitFinalized(t)
	assert.EqualValues(3, f.reports.Load())
	assert.EqualValues(1, f.disables.Load())

	persisted, err := f.repo.FinalizationState(ctx)
	require.NoError(err)
	assert.Equal(state.Finalized, persisted)
}

func TestFinalizationIsNeverUndone(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)
	_, err = f.machine.NotifyRestrictionsCleared(ctx).Await(ctx)
	require.NoError(err)
	f.waitFinalized(t)

	for _, fn := range []func(context.Context) (state.FinalizationState, error){
		func(ctx context.Context) (state.FinalizationState, error) {
			return f.machine.NotifyRestrictionsCleared(ctx).Await(ctx)
		},
		func(ctx context.Context) (state.FinalizationState, error) {
			return f.machine.NotifyReported(ctx).Await(ctx)
		},
		func(ctx context.Context) (state.FinalizationState, error) {
			return f.machine.EnforceInitialState(ctx).Await(ctx)
		},
	} {
		st, err := fn(ctx)
		require.NoError(err)
		assert.Equal(state.Finalized, st)
	}
	assert.EqualValues(1, f.disables.Load())
	assert.EqualValues(1, f.reports.Load())
}

func TestReportedBeforeClearedIsIgnored(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)

	st, err := f.machine.NotifyReported(ctx).Await(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnfinalized, st)
	assert.Zero(f.disables.Load())
}

func TestResumeUnreported(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(f.repo.SetFinalizationState(ctx, state.FinalizationUnreported))
	st, err := f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnreported, st)

	f.waitFinalized(t)
	assert.EqualValues(1, f.disables.Load())
}

func TestDeviceClearedFinalizes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.machine.EnforceInitialState(ctx).Await(ctx)
	require.NoError(err)

	f.machine.OnStateChanged(ctx, state.Locked, state.Unlocked)
	st, err := f.machine.GetState(ctx).Await(ctx)
	require.NoError(err)
	assert.Equal(state.FinalizationUnfinalized, st)

	f.machine.OnStateChanged(ctx, state.Unlocked, state.Cleared)
	f.waitFinalized(t)
}
