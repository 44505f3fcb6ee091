// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package util contains helpers to read the environment of the controller.
package util

import (
	"os"
	"time"
)

// Getenv returns the environment variable `name` if it exists or the handed fallback value elsewise.
func Getenv(name string, fallback string) string {
	value := os.Getenv(name)
	if len(value) == 0 {
		return fallback
	}
	return value
}

// GetenvDuration parses the environment variable `name` as a duration.
// The fallback is returned if the variable is unset or cannot be parsed.
func GetenvDuration(name string, fallback time.Duration) time.Duration {
	value := os.Getenv(name)
	if len(value) == 0 {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// MustGetwd returns the current working directory and panics if it cannot be determined.
func MustGetwd() string {
	// EDG_CWD overrides the working directory, e.g. when running from a read-only image.
	wd := os.Getenv("EDG_CWD")
	if len(wd) != 0 {
		return wd
	}
	wd, err := os.Getwd()
	if err == nil {
		return wd
	}
	panic(err)
}
