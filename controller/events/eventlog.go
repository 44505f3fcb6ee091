// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events implements a log of controller events.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// TransitionEvent is logged when a state machine accepts an event.
type TransitionEvent struct {
	Machine string `json:"machine"`
	Event   string `json:"event"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// FailureEvent is logged when provisioning fails.
type FailureEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event represents a single event in the event log.
type Event struct {
	Timestamp  time.Time        `json:"time"`
	Transition *TransitionEvent `json:"transition,omitempty"`
	Failure    *FailureEvent    `json:"failure,omitempty"`
}

// Log is a log of controller events.
type Log struct {
	mux    sync.Mutex
	events []Event
}

// NewLog creates a new log.
func NewLog() *Log {
	return &Log{}
}

// Transition adds a transition event to the log.
// Calls on a nil log are ignored.
func (l *Log) Transition(machine, event, from, to string) {
	l.add(Event{
		Timestamp:  time.Now(),
		Transition: &TransitionEvent{Machine: machine, Event: event, From: from, To: to},
	})
}

// Failure adds a provisioning failure event to the log.
func (l *Log) Failure(code int, message string) {
	l.add(Event{
		Timestamp: time.Now(),
		Failure:   &FailureEvent{Code: code, Message: message},
	})
}

// Events returns a copy of the logged events.
func (l *Log) Events() []Event {
	l.mux.Lock()
	defer l.mux.Unlock()
	return append([]Event{}, l.events...)
}

func (l *Log) add(e Event) {
	if l == nil {
		return
	}
	l.mux.Lock()
	l.events = append(l.events, e)
	l.mux.Unlock()
}

// Handler returns a http.HandlerFunc which writes the log as JSON array.
func (l *Log) Handler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(l.Events())
	})
}
