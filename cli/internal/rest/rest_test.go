// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	testCases := map[string]struct {
		code         int
		body         string
		wantErr      string
		wantAccepted bool
		wantData     string
	}{
		"ok": {
			code:     http.StatusOK,
			body:     `{"status":"success","data":{"state":"LOCKED"}}`,
			wantData: `{"state":"LOCKED"}`,
		},
		"accepted": {
			code:         http.StatusAccepted,
			body:         `{"status":"success","data":{"state":"PROVISION_IN_PROGRESS","pending":true}}`,
			wantAccepted: true,
			wantData:     `{"state":"PROVISION_IN_PROGRESS","pending":true}`,
		},
		"fail": {
			code:    http.StatusConflict,
			body:    `{"status":"fail","data":{"message":"invalid transition"}}`,
			wantErr: "invalid transition",
		},
		"error": {
			code:    http.StatusInternalServerError,
			body:    `{"status":"error","data":null,"message":"store unavailable"}`,
			wantErr: "store unavailable",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var gotPath, gotBody, gotType string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotType = r.Header.Get("Content-Type")
				body, _ := io.ReadAll(r.Body)
				gotBody = string(body)
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewClient(strings.TrimPrefix(srv.URL, "http://"))
			resp, err := client.Post(context.Background(), FlagsEndpoint, ContentJSON, strings.NewReader(`{"needsCheckIn":true}`))
			assert.Equal("/api/v1/flags", gotPath)
			assert.Equal(ContentJSON, gotType)
			assert.Equal(`{"needsCheckIn":true}`, gotBody)
			if tc.wantErr != "" {
				require.Error(err)
				assert.Contains(err.Error(), tc.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantAccepted, resp.Accepted)
			assert.JSONEq(tc.wantData, resp.Data.Raw)

			resp, err = client.Get(context.Background(), StatusEndpoint)
			require.NoError(err)
			assert.Equal("/api/v1/status", gotPath)
			assert.JSONEq(tc.wantData, resp.Data.Raw)
		})
	}
}
