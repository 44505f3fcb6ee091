// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package setup tracks whether the user finished the initial device setup.
package setup

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgelesssys/devicelock/controller/store/request"
	"go.uber.org/zap"
)

// FlagStore persists the completion flag.
type FlagStore interface {
	Flag(ctx context.Context, name string) (bool, error)
	SetFlag(ctx context.Context, name string, value bool) error
}

// Signal is a one-shot signal raised when user setup completes.
type Signal struct {
	flags FlagStore
	log   *zap.Logger

	mux       sync.Mutex
	done      chan struct{}
	completed bool
	listeners []func()
}

// New creates a Signal persisting its state in flags.
func New(flags FlagStore, log *zap.Logger) *Signal {
	return &Signal{flags: flags, log: log, done: make(chan struct{})}
}

// Load raises the signal if completion was persisted earlier.
func (s *Signal) Load(ctx context.Context) error {
	complete, err := s.flags.Flag(ctx, request.FlagUserSetupComplete)
	if err != nil {
		return fmt.Errorf("loading user setup state: %w", err)
	}
	if complete {
		s.raise()
	}
	return nil
}

// Complete persists completion and raises the signal. Repeated calls are no-ops.
func (s *Signal) Complete(ctx context.Context) error {
	if s.IsComplete() {
		return nil
	}
	if err := s.flags.SetFlag(ctx, request.FlagUserSetupComplete, true); err != nil {
		return fmt.Errorf("persisting user setup state: %w", err)
	}
	s.log.Info("User setup complete")
	s.raise()
	return nil
}

// IsComplete reports whether the signal was raised.
func (s *Signal) IsComplete() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.completed
}

// Done returns a channel closed once the signal is raised.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// OnComplete registers fn to run once when the signal is raised.
// It returns true and does not register fn if the signal was already raised.
func (s *Signal) OnComplete(fn func()) (alreadyComplete bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.completed {
		return true
	}
	s.listeners = append(s.listeners, fn)
	return false
}

func (s *Signal) raise() {
	s.mux.Lock()
	if s.completed {
		s.mux.Unlock()
		return
	}
	s.completed = true
	close(s.done)
	listeners := s.listeners
	s.listeners = nil
	s.mux.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
