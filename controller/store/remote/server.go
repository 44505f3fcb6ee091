// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package remote

import (
	"context"
	"errors"
	"sort"

	"github.com/edgelesssys/devicelock/controller/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server serves a store to remote clients.
type Server struct {
	store store.Store
	log   *zap.Logger
}

// NewServer creates a Server backed by s.
func NewServer(s store.Store, log *zap.Logger) *Server {
	return &Server{store: s, log: log}
}

// Ping reports that the server is reachable.
func (s *Server) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return &PingResponse{}, nil
}

// Get returns the value stored for a key.
func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	defer tx.Rollback()

	value, err := tx.Get(req.Key)
	if errors.Is(err, store.ErrValueUnset) {
		return nil, status.Errorf(codes.NotFound, "key %q not set", req.Key)
	} else if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &GetResponse{Value: value}, nil
}

// List returns all keys with a given prefix in lexical order.
func (s *Server) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	defer tx.Rollback()

	iter, err := tx.Iterator(req.Prefix)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	keys := []string{}
	for iter.HasNext() {
		key, err := iter.GetNext()
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return &ListResponse{Keys: keys}, nil
}

// Commit applies a batch of changes in a single transaction.
func (s *Server) Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error) {
	tx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	defer tx.Rollback()

	for _, key := range req.Deletes {
		if err := tx.Delete(key); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	for key, value := range req.Puts {
		if err := tx.Put(key, value); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.Error("Committing remote transaction failed", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Debug("Committed remote transaction", zap.Int("puts", len(req.Puts)), zap.Int("deletes", len(req.Deletes)))
	return &CommitResponse{}, nil
}
