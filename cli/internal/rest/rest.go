// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rest provides a client for the admin REST API of the device lock controller.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Endpoints of the admin REST API.
const (
	StatusEndpoint        = "status"
	DeviceEndpoint        = "device/"
	ProvisionEndpoint     = "provision/"
	SetupCompleteEndpoint = "setup-complete"
	FinalizeEndpoint      = "finalize/report"
	ComplianceEndpoint    = "compliance"
	FlagsEndpoint         = "flags"
	ContentJSON           = "application/json"
)

const (
	apiPrefix    = "/api/v1/"
	statusField  = "status"
	messageField = "message"
	dataField    = "data"
)

// Response is the data of a successful request.
type Response struct {
	// Accepted is set if the operation continues in the background.
	Accepted bool
	Data     gjson.Result
}

// Client is a REST client for the device lock controller.
type Client struct {
	client *http.Client
	host   string
}

// NewClient creates a client for the controller listening on host.
func NewClient(host string) *Client {
	return &Client{
		client: &http.Client{Timeout: time.Minute},
		host:   host,
	}
}

// Get sends a GET request to the controller under the specified path.
func (c *Client) Get(ctx context.Context, path string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), http.NoBody)
	if err != nil {
		return Response{}, err
	}
	return c.do(req)
}

// Post sends a POST request to the controller under the specified path.
// Optionally, a body can be provided.
func (c *Client) Post(ctx context.Context, path, contentType string, body io.Reader) (Response, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), body)
	if err != nil {
		return Response{}, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.do(req)
}

func (c *Client) url(path string) string {
	uri := url.URL{Scheme: "http", Host: c.host, Path: apiPrefix + path}
	return uri.String()
}

func (c *Client) do(req *http.Request) (Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return Response{
			Accepted: resp.StatusCode == http.StatusAccepted,
			Data:     gjson.GetBytes(respBody, dataField),
		}, nil
	}

	// JSend failures carry their message in the data field, errors on the top level
	msg := gjson.GetBytes(respBody, messageField).String()
	if gjson.GetBytes(respBody, statusField).String() == "fail" {
		msg = gjson.GetBytes(respBody, dataField+"."+messageField).String()
	}
	return Response{}, fmt.Errorf("%s %s: %s %s", req.Method, req.URL.String(), resp.Status, msg)
}
