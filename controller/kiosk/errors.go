// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kiosk

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a pipeline stage failed.
// The values are reported to remote parties. Never change them.
type ErrorCode int

// Download stage.
const (
	NetworkRequestFailed  ErrorCode = 0
	TooManyRedirects      ErrorCode = 1
	CreateLocalFileFailed ErrorCode = 2
	EmptyDownloadURL      ErrorCode = 3
	InvalidDownloadURL    ErrorCode = 4
	DownloadCancelled     ErrorCode = 5
	FileWriteFailed       ErrorCode = 6
)

// Verify stage.
const (
	NoValidDownloadedFile      ErrorCode = 10
	GetPackageInfoFailed       ErrorCode = 11
	PackageNameMismatch        ErrorCode = 12
	MultipleSignersUnsupported ErrorCode = 13
	SignatureChecksumMismatch  ErrorCode = 14
	NoSignature                ErrorCode = 15
	PersistSignatureFailed     ErrorCode = 16
)

// Install stage.
const (
	OpenSessionFailed  ErrorCode = 20
	WriteSessionFailed ErrorCode = 21
	CommitFailed       ErrorCode = 22
	InstallFailed      ErrorCode = 23
	InstallTimeout     ErrorCode = 24
	EmptyPackageName   ErrorCode = 25
)

// Cleanup stage.
const (
	DeleteFileFailed ErrorCode = 30
)

var errorCodeNames = map[ErrorCode]string{
	NetworkRequestFailed:       "NETWORK_REQUEST_FAILED",
	TooManyRedirects:           "TOO_MANY_REDIRECTS",
	CreateLocalFileFailed:      "CREATE_LOCAL_FILE_FAILED",
	EmptyDownloadURL:           "EMPTY_DOWNLOAD_URL",
	InvalidDownloadURL:         "INVALID_DOWNLOAD_URL",
	DownloadCancelled:          "DOWNLOAD_CANCELLED",
	FileWriteFailed:            "FILE_WRITE_FAILED",
	NoValidDownloadedFile:      "NO_VALID_DOWNLOADED_FILE",
	GetPackageInfoFailed:       "GET_PACKAGE_INFO_FAILED",
	PackageNameMismatch:        "PACKAGE_NAME_MISMATCH",
	MultipleSignersUnsupported: "MULTIPLE_SIGNERS_UNSUPPORTED",
	SignatureChecksumMismatch:  "SIGNATURE_CHECKSUM_MISMATCH",
	NoSignature:                "NO_SIGNATURE",
	PersistSignatureFailed:     "PERSIST_SIGNATURE_FAILED",
	OpenSessionFailed:          "OPEN_SESSION_FAILED",
	WriteSessionFailed:         "WRITE_SESSION_FAILED",
	CommitFailed:               "COMMIT_FAILED",
	InstallFailed:              "INSTALL_FAILED",
	InstallTimeout:             "INSTALL_TIMEOUT",
	EmptyPackageName:           "EMPTY_PACKAGE_NAME",
	DeleteFileFailed:           "DELETE_FILE_FAILED",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Stage returns the pipeline stage the code belongs to.
func (c ErrorCode) Stage() string {
	switch {
	case c < 10:
		return StageDownload
	case c < 20:
		return StageVerify
	case c < 30:
		return StageInstall
	default:
		return StageCleanup
	}
}

// Names of the pipeline stages.
const (
	StageDownload = "download"
	StageVerify   = "verify"
	StageInstall  = "install"
	StageCleanup  = "cleanup"
)

// TaskError is the failure of a pipeline stage.
type TaskError struct {
	Code ErrorCode
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Code.Stage(), e.Code)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Code.Stage(), e.Code, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func taskError(code ErrorCode, err error) *TaskError {
	return &TaskError{Code: code, Err: err}
}

// CodeOf returns the error code of the TaskError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		return 0, false
	}
	return taskErr.Code, true
}
