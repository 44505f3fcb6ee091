// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/edgelesssys/devicelock/controller/state"
)

// GeneralResponse is a wrapper for all our REST API responses to follow the JSend style: https://github.com/omniti-labs/jsend
type GeneralResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"` // only used when status = "error"
}

// GetPost is a helper function to assign different handlers depending on the HTTP method.
func GetPost(getHandler, postHandler func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			getHandler(w, r)
		case http.MethodPost:
			postHandler(w, r)
		default:
			MethodNotAllowedHandler(w, r)
		}
	}
}

// WriteJSON writes a JSend response to the given http.ResponseWriter.
func WriteJSON(w http.ResponseWriter, v any) {
	writeJSON(w, v, http.StatusOK)
}

// WriteJSONAccepted writes a JSend response for an operation that continues in the background.
func WriteJSONAccepted(w http.ResponseWriter, v any) {
	writeJSON(w, v, http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	dataToReturn := GeneralResponse{Status: "success", Data: v}
	if err := json.NewEncoder(w).Encode(dataToReturn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// WriteJSONError writes a JSend error response to the given http.ResponseWriter.
func WriteJSONError(w http.ResponseWriter, errorString string, httpErrorCode int) {
	marshalledJSON, err := json.Marshal(GeneralResponse{Status: "error", Message: errorString})
	// Only fall back to non-JSON error when we cannot even marshal the error (which is pretty bad)
	if err != nil {
		http.Error(w, errorString, httpErrorCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErrorCode)
	_, _ = w.Write(append(marshalledJSON, '\n'))
}

// WriteJSONFailure writes a JSend failure response to the given http.ResponseWriter.
func WriteJSONFailure(w http.ResponseWriter, v any, httpErrorCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErrorCode)
	dataToReturn := GeneralResponse{Status: "fail", Data: v}
	if err := json.NewEncoder(w).Encode(dataToReturn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// WriteStateError writes err as a JSend response.
// A rejected state transition is the client's fault and reported as a failure, everything else as an error.
func WriteStateError(w http.ResponseWriter, err error) {
	var transitionErr *state.StateTransitionError
	if errors.As(err, &transitionErr) {
		WriteJSONFailure(w, map[string]string{
			"state":   transitionErr.State.String(),
			"event":   transitionErr.Event.String(),
			"message": transitionErr.Error(),
		}, http.StatusConflict)
		return
	}
	WriteJSONError(w, err.Error(), http.StatusInternalServerError)
}

// MethodNotAllowedHandler returns a 405 Method Not Allowed error.
func MethodNotAllowedHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSONError(w, "", http.StatusMethodNotAllowed)
}
