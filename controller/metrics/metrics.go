// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package metrics defines the prometheus metrics of the device lock controller.
//
// All metric types are safe to use through a nil pointer, which disables them.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the metrics of all controller components.
type Metrics struct {
	Device       *MachineMetrics
	Provision    *MachineMetrics
	Finalization *MachineMetrics
	Policy       *PolicyMetrics
	Pipeline     *PipelineMetrics
}

// New creates the controller metrics. A nil factory disables all metrics.
func New(factory *promauto.Factory, namespace string) *Metrics {
	if factory == nil {
		return &Metrics{}
	}
	transitions := factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Number of accepted state transitions.",
		},
		[]string{"machine", "event"},
	)
	rejected := factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_transitions_total",
			Help:      "Number of rejected state transitions.",
		},
		[]string{"machine", "event"},
	)
	return &Metrics{
		Device:       newMachineMetrics(factory, namespace, "device", "Device lock state.", transitions, rejected),
		Provision:    newMachineMetrics(factory, namespace, "provision", "Provisioning state.", transitions, rejected),
		Finalization: newMachineMetrics(factory, namespace, "finalization", "Finalization state.", transitions, rejected),
		Policy:       NewPolicyMetrics(factory, namespace, ""),
		Pipeline:     NewPipelineMetrics(factory, namespace, ""),
	}
}

// MachineMetrics are the metrics of one state machine.
type MachineMetrics struct {
	machine     string
	state       prometheus.Gauge
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

func newMachineMetrics(factory *promauto.Factory, namespace, machine, help string, transitions, rejected *prometheus.CounterVec) *MachineMetrics {
	return &MachineMetrics{
		machine: machine,
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      machine + "_state",
			Help:      help,
		}),
		transitions: transitions,
		rejected:    rejected,
	}
}

// SetState records the current state.
func (m *MachineMetrics) SetState(st int) {
	if m == nil {
		return
	}
	m.state.Set(float64(st))
}

// Transition records an accepted transition into st.
func (m *MachineMetrics) Transition(event fmt.Stringer, st int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(m.machine, event.String()).Inc()
	m.state.Set(float64(st))
}

// Rejected records a rejected transition.
func (m *MachineMetrics) Rejected(event fmt.Stringer) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(m.machine, event.String()).Inc()
}

// PolicyMetrics are the metrics of policy enforcement.
type PolicyMetrics struct {
	failures *prometheus.CounterVec
}

// NewPolicyMetrics creates the policy metrics.
func NewPolicyMetrics(factory *promauto.Factory, namespace string, subsystem string) *PolicyMetrics {
	return &PolicyMetrics{
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "policy_failures_total",
				Help:      "Number of failed policy handler invocations.",
			},
			[]string{"handler", "state"},
		),
	}
}

// Failure records a failed handler invocation.
func (m *PolicyMetrics) Failure(handler string, st fmt.Stringer) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(handler, st.String()).Inc()
}

// PipelineMetrics are the metrics of the kiosk install pipeline.
type PipelineMetrics struct {
	failures         *prometheus.CounterVec
	downloadAttempts prometheus.Counter
}

// NewPipelineMetrics creates the pipeline metrics.
func NewPipelineMetrics(factory *promauto.Factory, namespace string, subsystem string) *PipelineMetrics {
	return &PipelineMetrics{
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pipeline_failures_total",
				Help:      "Number of failed kiosk pipeline stages.",
			},
			[]string{"stage", "code"},
		),
		downloadAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "download_attempts_total",
				Help:      "Number of kiosk download attempts.",
			},
		),
	}
}

// Failure records a failed stage.
func (m *PipelineMetrics) Failure(stage string, code int) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage, strconv.Itoa(code)).Inc()
}

// DownloadAttempt records a download attempt.
func (m *PipelineMetrics) DownloadAttempt() {
	if m == nil {
		return
	}
	m.downloadAttempts.Inc()
}
