// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of an admin API request, derived from the status code of the JSend response.
const (
	outcomeSuccess    = "success"
	outcomeAccepted   = "accepted"
	outcomeRejected   = "rejected"
	outcomeInvalid    = "invalid"
	outcomeNotAllowed = "not_allowed"
	outcomeError      = "error"
)

// outcome classifies a response status code.
// 409 is a state transition the device rejected, 202 an operation still running in the background.
func outcome(code int) string {
	switch {
	case code == http.StatusAccepted:
		return outcomeAccepted
	case code == http.StatusConflict:
		return outcomeRejected
	case code == http.StatusMethodNotAllowed:
		return outcomeNotAllowed
	case code >= 500:
		return outcomeError
	case code >= 400:
		return outcomeInvalid
	default:
		return outcomeSuccess
	}
}

// adminAPIMetrics are the request metrics of the admin API, labeled by route.
type adminAPIMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

func newAdminAPIMetrics(factory *promauto.Factory, namespace, subsystem string) *adminAPIMetrics {
	return &adminAPIMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of admin API requests by route, status code and outcome.",
			},
			[]string{"route", "method", "code", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of admin API requests, including the state transitions they wait for.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 30},
			},
			[]string{"route", "method"},
		),
		inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "in_flight_requests",
				Help:      "Number of admin API requests currently being served.",
			},
		),
	}
}

// apiMux routes admin API requests. If metrics are enabled, every route is instrumented.
type apiMux struct {
	mux     *http.ServeMux
	metrics *adminAPIMetrics
}

// newAPIMux creates an apiMux. A nil factory disables metrics.
func newAPIMux(factory *promauto.Factory, namespace, subsystem string) *apiMux {
	m := &apiMux{mux: http.NewServeMux()}
	if factory != nil {
		m.metrics = newAdminAPIMetrics(factory, namespace, subsystem)
	}
	return m
}

// HandleFunc registers h for route.
func (m *apiMux) HandleFunc(route string, h func(http.ResponseWriter, *http.Request)) {
	if h == nil {
		panic("apiMux: nil handler for " + route)
	}
	if m.metrics == nil {
		m.mux.HandleFunc(route, h)
		return
	}
	duration := m.metrics.duration.MustCurryWith(prometheus.Labels{"route": route})
	m.mux.Handle(route, promhttp.InstrumentHandlerInFlight(m.metrics.inflight,
		promhttp.InstrumentHandlerDuration(duration, m.countOutcome(route, http.HandlerFunc(h))),
	))
}

func (m *apiMux) countOutcome(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.metrics.requests.WithLabelValues(route, strings.ToLower(r.Method), strconv.Itoa(rec.code), outcome(rec.code)).Inc()
	})
}

// ServeHTTP implements http.Handler.
func (m *apiMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
