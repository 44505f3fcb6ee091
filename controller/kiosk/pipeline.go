// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package kiosk implements the pipeline acquiring the kiosk app: download, verify, install and cleanup.
//
// Every stage is a worker.Task. A failing stage returns a *TaskError and reports its code under KeyErrorCode.
package kiosk

import (
	"context"
	"errors"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/worker"
)

// Keys of the data passed between stages.
const (
	KeyURL       = "url"
	KeyPath      = "path"
	KeyPackage   = "package"
	KeyErrorCode = "errorCode"
)

const osCreateFlags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY

// Pipeline is the ordered chain of stages.
type Pipeline struct {
	Download *Downloader
	Verify   *Verifier
	Install  *Installer
	Cleanup  *Cleaner
	Metrics  *metrics.PipelineMetrics
}

// Request returns the work request running all stages in order.
// The work requires the network and is not retried as a whole: downloads retry on their own.
func (p *Pipeline) Request(input worker.Data) worker.Request {
	return worker.Request{
		Tasks: []worker.Task{
			p.instrument(p.Download),
			p.instrument(p.Verify),
			p.instrument(p.Install),
			p.instrument(p.Cleanup),
		},
		Input:           input,
		RequiresNetwork: true,
		Backoff:         func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
}

func (p *Pipeline) instrument(task worker.Task) worker.Task {
	return worker.TaskFunc(func(ctx context.Context, input worker.Data) (worker.Data, error) {
		out, err := task.Run(ctx, input)
		if code, ok := CodeOf(err); ok {
			p.Metrics.Failure(code.Stage(), int(code))
		}
		return out, err
	})
}

// ErrorCodeOf returns the error code of a failed pipeline run.
// If the failure carries no code, e.g. because the work was cancelled, ok is false.
func ErrorCodeOf(info worker.Info) (code ErrorCode, ok bool) {
	if c, found := CodeOf(info.Err); found {
		return c, true
	}
	if c, found := info.Output.Int(KeyErrorCode); found {
		return ErrorCode(c), true
	}
	return 0, false
}

func failure(err *TaskError) (worker.Data, error) {
	return worker.Data{KeyErrorCode: int(err.Code)}, err
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
