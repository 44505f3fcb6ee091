// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgelesssys/devicelock/controller/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrNotConnected is returned when the client is used before Connect succeeded.
var ErrNotConnected = errors.New("param store not connected")

// Client is a store.Store whose data lives on a remote Server.
// Transactions buffer their writes and send them in one Commit call.
type Client struct {
	target   string
	dialOpts []grpc.DialOption
	maxWait  time.Duration
	log      *zap.Logger

	mux  sync.Mutex
	conn *grpc.ClientConn
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

// WithMaxWait bounds how long Connect retries before giving up.
func WithMaxWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxWait = d
	}
}

// NewClient creates a client for the param store at target.
// The connection is established by Connect.
func NewClient(target string, log *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		target: target,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		},
		maxWait: 30 * time.Second,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and waits until it answers a ping.
// Failed pings are retried with exponential backoff until ctx is done or the maximum wait elapsed.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := grpc.NewClient(c.target, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("creating param store client: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = c.maxWait

	ping := func() error {
		err := conn.Invoke(ctx, MethodPing, &PingRequest{}, &PingResponse{})
		if err != nil {
			c.log.Debug("Param store not reachable yet", zap.String("target", c.target), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(expBackoff, ctx)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("connecting to param store at %s: %w", c.target, err)
	}

	c.mux.Lock()
	c.conn = conn
	c.mux.Unlock()
	c.log.Info("Connected to param store", zap.String("target", c.target))
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// LoadState is a no-op: the remote data is loaded by the server.
func (c *Client) LoadState() error {
	return nil
}

// BeginTransaction starts a new transaction.
// Reads go to the server, writes are buffered until Commit.
func (c *Client) BeginTransaction(ctx context.Context) (store.Transaction, error) {
	c.mux.Lock()
	conn := c.conn
	c.mux.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return &Transaction{
		ctx:     ctx,
		conn:    conn,
		puts:    map[string][]byte{},
		deletes: map[string]struct{}{},
	}, nil
}

// Transaction is a transaction against a remote store.
type Transaction struct {
	ctx     context.Context
	conn    *grpc.ClientConn
	puts    map[string][]byte
	deletes map[string]struct{}
	done    bool
}

// Get retrieves a value, observing the transaction's own writes.
func (t *Transaction) Get(key string) ([]byte, error) {
	if value, ok := t.puts[key]; ok {
		return value, nil
	}
	if _, ok := t.deletes[key]; ok {
		return nil, store.ErrValueUnset
	}

	var resp GetResponse
	if err := t.conn.Invoke(t.ctx, MethodGet, &GetRequest{Key: key}, &resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, store.ErrValueUnset
		}
		return nil, fmt.Errorf("getting %q from param store: %w", key, err)
	}
	return resp.Value, nil
}

// Put saves a value.
func (t *Transaction) Put(key string, value []byte) error {
	delete(t.deletes, key)
	t.puts[key] = value
	return nil
}

// Delete removes a value.
func (t *Transaction) Delete(key string) error {
	delete(t.puts, key)
	t.deletes[key] = struct{}{}
	return nil
}

// Iterator returns an iterator for all keys with a given prefix, observing the transaction's own writes.
func (t *Transaction) Iterator(prefix string) (store.Iterator, error) {
	var resp ListResponse
	if err := t.conn.Invoke(t.ctx, MethodList, &ListRequest{Prefix: prefix}, &resp); err != nil {
		return nil, fmt.Errorf("listing %q from param store: %w", prefix, err)
	}

	seen := map[string]struct{}{}
	keys := make([]string, 0, len(resp.Keys))
	for _, key := range resp.Keys {
		if _, ok := t.deletes[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range t.puts {
		if _, ok := seen[key]; ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	return &iterator{keys: keys}, nil
}

// Commit sends the buffered writes to the server.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	req := &CommitRequest{Puts: t.puts}
	for key := range t.deletes {
		req.Deletes = append(req.Deletes, key)
	}
	if err := t.conn.Invoke(ctx, MethodCommit, req, &CommitResponse{}); err != nil {
		return fmt.Errorf("committing to param store: %w", err)
	}
	t.done = true
	return nil
}

// Rollback discards the buffered writes.
func (t *Transaction) Rollback() {
	t.done = true
	t.puts = map[string][]byte{}
	t.deletes = map[string]struct{}{}
}

type iterator struct {
	idx  int
	keys []string
}

func (i *iterator) GetNext() (string, error) {
	if i.idx >= len(i.keys) {
		return "", fmt.Errorf("index out of range [%d] with length %d", i.idx, len(i.keys))
	}
	val := i.keys[i.idx]
	i.idx++
	return val, nil
}

func (i *iterator) HasNext() bool {
	return i.idx < len(i.keys)
}
