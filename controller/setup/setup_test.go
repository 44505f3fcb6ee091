// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package setup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/edgelesssys/devicelock/controller/store/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSignal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	flags := &memFlags{flags: map[string]bool{}}
	s := New(flags, zaptest.NewLogger(t))
	require.NoError(s.Load(ctx))
	assert.False(s.IsComplete())

	calls := 0
	assert.False(s.OnComplete(func() { calls++ }))

	select {
	case <-s.Done():
		t.Fatal("signal raised too early")
	default:
	}

	require.NoError(s.Complete(ctx))
	require.NoError(s.Complete(ctx))
	assert.True(s.IsComplete())
	assert.Equal(1, calls)
	assert.True(flags.flags[request.FlagUserSetupComplete])
	<-s.Done()

	assert.True(s.OnComplete(func() { calls++ }))
	assert.Equal(1, calls)
}

func TestSignalLoad(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	flags := &memFlags{flags: map[string]bool{request.FlagUserSetupComplete: true}}
	s := New(flags, zaptest.NewLogger(t))
	require.NoError(s.Load(context.Background()))
	assert.True(s.IsComplete())

	flags.err = errors.New("unavailable")
	assert.Error(New(flags, zaptest.NewLogger(t)).Load(context.Background()))
}

func TestSignalPersistFailure(t *testing.T) {
	assert := assert.New(t)

	flags := &memFlags{flags: map[string]bool{}, err: errors.New("unavailable")}
	s := New(flags, zaptest.NewLogger(t))
	assert.Error(s.Complete(context.Background()))
	assert.False(s.IsComplete())
}

type memFlags struct {
	mux   sync.Mutex
	flags map[string]bool
	err   error
}

func (f *memFlags) Flag(_ context.Context, name string) (bool, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.flags[name], f.err
}

func (f *memFlags) SetFlag(_ context.Context, name string, value bool) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.err != nil {
		return f.err
	}
	f.flags[name] = value
	return nil
}
