// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAdminAPIRequestMetrics(t *testing.T) {
	tests := map[string]struct {
		api         *fakeAPI
		route       string
		target      string
		method      string // use values from http package, like http.MethodGet
		wantCode    string
		wantOutcome string
	}{
		"getStatus": {
			route:       APIPrefix + "/status",
			method:      http.MethodGet,
			wantCode:    "200",
			wantOutcome: outcomeSuccess,
		},
		"postStatus": {
			route:       APIPrefix + "/status",
			method:      http.MethodPost,
			wantCode:    "405",
			wantOutcome: outcomeNotAllowed,
		},
		"postLock": {
			route:       APIPrefix + "/device/lock",
			method:      http.MethodPost,
			wantCode:    "200",
			wantOutcome: outcomeSuccess,
		},
		"rejectedLock": {
			api:         &fakeAPI{device: state.Cleared, err: &state.StateTransitionError{State: state.Cleared, Event: state.EventLock}},
			route:       APIPrefix + "/device/lock",
			method:      http.MethodPost,
			wantCode:    "409",
			wantOutcome: outcomeRejected,
		},
		"failedClear": {
			api:         &fakeAPI{err: errors.New("persisting failed")},
			route:       APIPrefix + "/device/clear",
			method:      http.MethodPost,
			wantCode:    "500",
			wantOutcome: outcomeError,
		},
		"pendingStart": {
			api:         &fakeAPI{provision: state.ProvisionStateInProgress, pending: true},
			route:       APIPrefix + "/provision/start",
			method:      http.MethodPost,
			wantCode:    "202",
			wantOutcome: outcomeAccepted,
		},
		"putFlags": {
			route:       APIPrefix + "/flags",
			method:      http.MethodPut,
			wantCode:    "405",
			wantOutcome: outcomeNotAllowed,
		},
		"unknownPath": {
			route:       "/",
			target:      "/foo",
			method:      http.MethodGet,
			wantCode:    "405",
			wantOutcome: outcomeNotAllowed,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			api := tc.api
			if api == nil {
				api = &fakeAPI{device: state.Locked, flags: map[string]bool{}}
			}
			target := tc.target
			if target == "" {
				target = tc.route
			}

			reg := prometheus.NewRegistry()
			fac := promauto.With(reg)
			mux := CreateServeMux(api, &fac, zaptest.NewLogger(t))
			metrics := mux.(*apiMux).metrics
			require.NotNil(metrics)

			counter := metrics.requests.WithLabelValues(tc.route, strings.ToLower(tc.method), tc.wantCode, tc.wantOutcome)
			assert.Equal(float64(0), promtest.ToFloat64(counter))

			for i := 1; i < 4; i++ {
				req := httptest.NewRequest(tc.method, target, nil)
				resp := httptest.NewRecorder()
				mux.ServeHTTP(resp, req)
				assert.Equal(tc.wantCode, strconv.Itoa(resp.Code))
				assert.Equal(float64(i), promtest.ToFloat64(counter))
			}
			// every request of the route was counted with a single label set
			assert.Equal(1, promtest.CollectAndCount(metrics.requests))
			assert.Equal(0.0, promtest.ToFloat64(metrics.inflight))
		})
	}
}

func TestOutcome(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(outcomeSuccess, outcome(http.StatusOK))
	assert.Equal(outcomeAccepted, outcome(http.StatusAccepted))
	assert.Equal(outcomeRejected, outcome(http.StatusConflict))
	assert.Equal(outcomeInvalid, outcome(http.StatusBadRequest))
	assert.Equal(outcomeNotAllowed, outcome(http.StatusMethodNotAllowed))
	assert.Equal(outcomeError, outcome(http.StatusInternalServerError))
}

func TestCreateServeMuxWithoutMetrics(t *testing.T) {
	mux := CreateServeMux(&fakeAPI{device: state.Locked, flags: map[string]bool{}}, nil, zaptest.NewLogger(t))
	assert.Nil(t, mux.(*apiMux).metrics)

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, APIPrefix+"/status", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}
