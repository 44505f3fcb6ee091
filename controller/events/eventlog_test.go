// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogHandler(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	log := NewLog()
	log.Transition("device", "LOCK_DEVICE", "UNLOCKED", "LOCKED")
	log.Failure(14, "signature checksum mismatch")

	rec := httptest.NewRecorder()
	log.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("application/json", rec.Header().Get("Content-Type"))

	var got []Event
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(got, 2)
	require.NotNil(got[0].Transition)
	assert.Equal("LOCKED", got[0].Transition.To)
	assert.Nil(got[0].Failure)
	require.NotNil(got[1].Failure)
	assert.Equal(14, got[1].Failure.Code)
}

func TestNilLog(t *testing.T) {
	var log *Log
	assert.NotPanics(t, func() {
		log.Transition("device", "LOCK_DEVICE", "UNLOCKED", "LOCKED")
		log.Failure(0, "")
	})
}
