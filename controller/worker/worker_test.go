// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChain(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(AlwaysOnline{}, zaptest.NewLogger(t))
	defer s.Close()

	first := TaskFunc(func(_ context.Context, in Data) (Data, error) {
		url, _ := in.String("url")
		return Data{"path": url + ".local"}, nil
	})
	second := TaskFunc(func(_ context.Context, in Data) (Data, error) {
		path, ok := in.String("path")
		if !ok {
			return nil, errors.New("missing path")
		}
		return Data{"verified": path}, nil
	})

	w := s.EnqueueUniqueWork("chain", Keep, Request{
		Tasks:           []Task{first, second},
		Input:           Data{"url": "kiosk"},
		RequiresNetwork: true,
	})
	info, err := w.Wait(context.Background())
	require.NoError(err)
	assert.Equal(Succeeded, info.Status)
	assert.NoError(info.Err)
	assert.Equal("kiosk.local", info.Output["verified"])
	assert.Equal("chain", info.Name)
	assert.Equal(w.ID(), info.ID)
}

func TestChainStopsOnFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(nil, zaptest.NewLogger(t))
	defer s.Close()

	var secondRan atomic.Bool
	failing := TaskFunc(func(context.Context, Data) (Data, error) {
		return Data{"code": 14}, errors.New("checksum mismatch")
	})
	second := TaskFunc(func(context.Context, Data) (Data, error) {
		secondRan.Store(true)
		return nil, nil
	})

	w := s.EnqueueUniqueWork("chain", Keep, Request{Tasks: []Task{failing, second}})
	info, err := w.Wait(context.Background())
	require.NoError(err)
	assert.Equal(Failed, info.Status)
	assert.EqualError(info.Err, "checksum mismatch")
	code, ok := info.Output.Int("code")
	assert.True(ok)
	assert.Equal(14, code)
	assert.False(secondRan.Load())

	got, ok := s.WorkInfo("chain")
	assert.True(ok)
	assert.Equal(Failed, got.Status)
	_, ok = s.WorkInfo("other")
	assert.False(ok)
}

func TestRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(AlwaysOnline{}, zaptest.NewLogger(t))
	defer s.Close()

	var attempts atomic.Int32
	flaky := TaskFunc(func(context.Context, Data) (Data, error) {
		if attempts.Add(1) < 3 {
			return nil, Retryable(errors.New("transient"))
		}
		return Data{"ok": true}, nil
	})
	newBackoff := func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
	}

	info, err := s.EnqueueUniqueWork("flaky", Keep, Request{Tasks: []Task{flaky}, Backoff: newBackoff}).Wait(context.Background())
	require.NoError(err)
	assert.Equal(Succeeded, info.Status)
	assert.EqualValues(3, attempts.Load())

	// non-retryable errors are not retried
	attempts.Store(0)
	permanent := TaskFunc(func(context.Context, Data) (Data, error) {
		attempts.Add(1)
		return nil, errors.New("permanent")
	})
	info, err = s.EnqueueUniqueWork("permanent", Keep, Request{Tasks: []Task{permanent}, Backoff: newBackoff}).Wait(context.Background())
	require.NoError(err)
	assert.Equal(Failed, info.Status)
	assert.EqualValues(1, attempts.Load())
	assert.False(IsRetryable(info.Err))
}

func TestRetryExhausted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(AlwaysOnline{}, zaptest.NewLogger(t))
	defer s.Close()

	var attempts atomic.Int32
	flaky := TaskFunc(func(context.Context, Data) (Data, error) {
		attempts.Add(1)
		return nil, Retryable(errors.New("transient"))
	})
	info, err := s.EnqueueUniqueWork("flaky", Keep, Request{
		Tasks: []Task{flaky},
		Backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	}).Wait(context.Background())
	require.NoError(err)
	assert.Equal(Failed, info.Status)
	assert.True(IsRetryable(info.Err))
	assert.EqualValues(3, attempts.Load())
}

func TestUniqueWorkKeep(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(AlwaysOnline{}, zaptest.NewLogger(t))
	defer s.Close()

	release := make(chan struct{})
	blocking := TaskFunc(func(ctx context.Context, _ Data) (Data, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	first := s.EnqueueUniqueWork("install", Keep, Request{Tasks: []Task{blocking}})
	second := s.EnqueueUniqueWork("install", Keep, Request{Tasks: []Task{blocking}})
	assert.Same(first, second)

	close(release)
	info, err := first.Wait(context.Background())
	require.NoError(err)
	assert.Equal(Succeeded, info.Status)

	// finished work does not block new work
	third := s.EnqueueUniqueWork("install", Keep, Request{Tasks: []Task{blocking}})
	assert.NotSame(first, third)
	_, err = third.Wait(context.Background())
	require.NoError(err)
}

func TestUniqueWorkReplace(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(AlwaysOnline{}, zaptest.NewLogger(t))
	defer s.Close()

	blocking := TaskFunc(func(ctx context.Context, _ Data) (Data, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	quick := TaskFunc(func(context.Context, Data) (Data, error) { return nil, nil })

	first := s.EnqueueUniqueWork("report", Replace, Request{Tasks: []Task{blocking}})
	second := s.EnqueueUniqueWork("report", Replace, Request{Tasks: []Task{quick}})
	assert.NotSame(first, second)

	info, err := first.Wait(context.Background())
	require.NoError(err)
	assert.Equal(Cancelled, info.Status)
	info, err = second.Wait(context.Background())
	require.NoError(err)
	assert.Equal(Succeeded, info.Status)

	current, ok := s.Work("report")
	require.True(ok)
	assert.Same(second, current)
}

func TestNetworkPrecondition(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	network := &gateMonitor{online: make(chan struct{})}
	s := New(network, zaptest.NewLogger(t))
	defer s.Close()

	var ran atomic.Bool
	task := TaskFunc(func(context.Context, Data) (Data, error) {
		ran.Store(true)
		return nil, nil
	})
	w := s.EnqueueUniqueWork("net", Keep, Request{Tasks: []Task{task}, RequiresNetwork: true})

	assert.Eventually(func() bool { return w.Info().Status == Blocked }, time.Second, time.Millisecond)
	assert.False(ran.Load())

	close(network.online)
	info, err := w.Wait(context.Background())
	require.NoError(err)
	assert.Equal(Succeeded, info.Status)
	assert.True(ran.Load())
}

func TestCloseCancelsBlockedWork(t *testing.T) {
	assert := assert.New(t)

	s := New(&gateMonitor{online: make(chan struct{})}, zaptest.NewLogger(t))
	w := s.EnqueueUniqueWork("net", Keep, Request{
		Tasks:           []Task{TaskFunc(func(context.Context, Data) (Data, error) { return nil, nil })},
		RequiresNetwork: true,
	})
	s.Close()

	<-w.Done()
	assert.Equal(Cancelled, w.Info().Status)
}

func TestWaitContextDone(t *testing.T) {
	s := New(&gateMonitor{online: make(chan struct{})}, zaptest.NewLogger(t))
	defer s.Close()

	w := s.EnqueueUniqueWork("net", Keep, Request{RequiresNetwork: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbeMonitor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	monitor := &ProbeMonitor{URL: srv.URL, Client: srv.Client(), Interval: time.Millisecond, Log: zaptest.NewLogger(t)}
	assert.NoError(t, monitor.WaitOnline(context.Background()))
	assert.EqualValues(t, 1, calls.Load())

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, monitor.WaitOnline(ctx))
}

type gateMonitor struct {
	online chan struct{}
}

func (g *gateMonitor) WaitOnline(ctx context.Context) error {
	select {
	case <-g.online:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
