// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// MaxRedirects is the number of redirects a download follows.
const MaxRedirects = 4

var errTooManyRedirects = errors.New("too many redirects")

// Downloader fetches the kiosk artifact to a local file.
//
// A Downloader must not run concurrently with itself.
type Downloader struct {
	client      *http.Client
	fs          afero.Fs
	dir         string
	url         string
	maxAttempts int
	retryDelay  time.Duration
	log         *zap.Logger
	metrics     *metrics.PipelineMetrics
}

// NewDownloader creates a Downloader storing artifacts in dir.
// A failed download is attempted maxAttempts times in total.
func NewDownloader(client *http.Client, fs afero.Fs, dir, url string, maxAttempts int, retryDelay time.Duration,
	log *zap.Logger, m *metrics.PipelineMetrics,
) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	// copy so the redirect limit does not leak into the caller's client
	limited := *client
	limited.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirects {
			return errTooManyRedirects
		}
		return nil
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Downloader{
		client:      &limited,
		fs:          fs,
		dir:         dir,
		url:         url,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		log:         log,
		metrics:     m,
	}
}

// Run downloads the artifact. The output holds the local path under KeyPath.
func (d *Downloader) Run(ctx context.Context, input worker.Data) (worker.Data, error) {
	rawURL := d.url
	if u, ok := input.String(KeyURL); ok && u != "" {
		rawURL = u
	}
	if rawURL == "" {
		return failure(taskError(EmptyDownloadURL, nil))
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failure(taskError(InvalidDownloadURL, fmt.Errorf("invalid URL %q", rawURL)))
	}

	if err := d.fs.MkdirAll(d.dir, 0o700); err != nil {
		return failure(taskError(CreateLocalFileFailed, err))
	}
	dest := filepath.Join(d.dir, "kiosk-"+uuid.NewString()+".zip")

	attempt := 0
	download := func() error {
		attempt++
		d.metrics.DownloadAttempt()
		err := d.fetch(ctx, u.String(), dest)
		if err == nil {
			return nil
		}
		if code, _ := CodeOf(err); code == DownloadCancelled {
			return backoff.Permanent(err)
		}
		d.log.Warn("Kiosk download attempt failed", zap.Int("attempt", attempt), zap.Int("maxAttempts", d.maxAttempts), zap.Error(err))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), uint64(d.maxAttempts-1)), ctx)
	if err := backoff.Retry(download, b); err != nil {
		_ = d.fs.Remove(dest)
		if ctx.Err() != nil {
			return failure(taskError(DownloadCancelled, err))
		}
		var taskErr *TaskError
		if !errors.As(err, &taskErr) {
			taskErr = taskError(NetworkRequestFailed, err)
		}
		return failure(taskErr)
	}

	d.log.Info("Kiosk artifact downloaded", zap.String("path", dest), zap.Int("attempts", attempt))
	return worker.Data{KeyPath: dest}, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return taskError(InvalidDownloadURL, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return taskError(DownloadCancelled, ctx.Err())
		case errors.Is(err, errTooManyRedirects):
			return taskError(TooManyRedirects, err)
		}
		return taskError(NetworkRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return taskError(NetworkRequestFailed, fmt.Errorf("unexpected status %s", resp.Status))
	}

	f, err := d.fs.OpenFile(dest, osCreateFlags, 0o600)
	if err != nil {
		return taskError(CreateLocalFileFailed, err)
	}
	defer f.Close()

	w := &trackingWriter{w: f}
	if _, err := io.Copy(w, resp.Body); err != nil {
		switch {
		case ctx.Err() != nil:
			return taskError(DownloadCancelled, ctx.Err())
		case w.err != nil:
			return taskError(FileWriteFailed, err)
		}
		return taskError(NetworkRequestFailed, err)
	}
	if err := f.Close(); err != nil {
		return taskError(FileWriteFailed, err)
	}
	return nil
}

// trackingWriter remembers write errors to tell them apart from read errors during a copy.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}
