// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package policy applies the device restrictions belonging to a device state.
//
// Each Handler is responsible for one policy domain. The Enforcer runs all handlers for a state
// and aggregates their results. Handlers are grouped in phases: all handlers of a phase run in parallel,
// and a phase starts only after every handler of the previous phase finished.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler applies and checks one category of device restriction for a target state.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string
	// SetPolicyForState applies the handler's policy for st.
	SetPolicyForState(ctx context.Context, st state.DeviceState) error
	// IsCompliant reports whether the device currently complies with the handler's policy for st.
	IsCompliant(ctx context.Context, st state.DeviceState) (bool, error)
}

// Registration places a handler in an enforcement phase.
type Registration struct {
	Phase   int
	Handler Handler
}

// HandlerError is the failure of a single handler.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("policy handler %s: %s", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type phase struct {
	number   int
	handlers []Handler
}

// Enforcer applies the policies of all registered handlers.
type Enforcer struct {
	phases  []phase
	log     *zap.Logger
	metrics *metrics.PolicyMetrics
}

// NewEnforcer creates an Enforcer for the given registrations.
func NewEnforcer(log *zap.Logger, m *metrics.PolicyMetrics, regs ...Registration) *Enforcer {
	byPhase := map[int][]Handler{}
	for _, reg := range regs {
		byPhase[reg.Phase] = append(byPhase[reg.Phase], reg.Handler)
	}
	phaseNumbers := make([]int, 0, len(byPhase))
	for phase := range byPhase {
		phaseNumbers = append(phaseNumbers, phase)
	}
	sort.Ints(phaseNumbers)

	phases := make([]phase, 0, len(phaseNumbers))
	for _, number := range phaseNumbers {
		phases = append(phases, phase{number: number, handlers: byPhase[number]})
	}
	return &Enforcer{phases: phases, log: log, metrics: m}
}

// Enforce applies the policies for st.
// Every handler is invoked even if others fail. The returned error joins all HandlerErrors.
func (e *Enforcer) Enforce(ctx context.Context, st state.DeviceState) error {
	var errs []error
	for _, p := range e.phases {
		handlers := p.handlers
		results := make([]error, len(handlers))
		var g errgroup.Group
		for i, h := range handlers {
			g.Go(func() error {
				results[i] = e.invoke(h.Name(), func() error {
					return h.SetPolicyForState(ctx, st)
				})
				return nil
			})
		}
		_ = g.Wait()

		for i, err := range results {
			if err == nil {
				continue
			}
			name := handlers[i].Name()
			e.log.Error("Applying policy failed",
				zap.String("handler", name), zap.Int("phase", p.number), zap.Stringer("state", st), zap.Error(err))
			e.metrics.Failure(name, st)
			errs = append(errs, &HandlerError{Handler: name, Err: err})
		}
	}

	if err := errors.Join(errs...); err != nil {
		e.log.Warn("Policies partially applied", zap.Stringer("state", st), zap.Int("failures", len(errs)))
		return err
	}
	e.log.Debug("Policies applied", zap.Stringer("state", st))
	return nil
}

// Compliance reports the compliance of every handler with the policies for st.
// A handler that fails to answer is reported as not compliant.
func (e *Enforcer) Compliance(ctx context.Context, st state.DeviceState) map[string]bool {
	var handlers []Handler
	for _, p := range e.phases {
		handlers = append(handlers, p.handlers...)
	}

	results := make([]bool, len(handlers))
	var g errgroup.Group
	for i, h := range handlers {
		g.Go(func() error {
			err := e.invoke(h.Name(), func() error {
				compliant, err := h.IsCompliant(ctx, st)
				results[i] = compliant
				return err
			})
			if err != nil {
				results[i] = false
				e.log.Warn("Checking policy compliance failed", zap.String("handler", h.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	compliance := make(map[string]bool, len(handlers))
	for i, h := range handlers {
		compliance[h.Name()] = results[i]
	}
	return compliance
}

// IsCompliant reports whether every handler complies with the policies for st.
func (e *Enforcer) IsCompliant(ctx context.Context, st state.DeviceState) bool {
	for _, compliant := range e.Compliance(ctx, st) {
		if !compliant {
			return false
		}
	}
	return true
}

// invoke calls fn, turning a panic into an error.
func (e *Enforcer) invoke(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", name, r)
		}
	}()
	return fn()
}
