// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package remote implements the request/response channel through which the global partition
// of the controller's state is shared across users.
//
// The channel is a gRPC service using a JSON codec, so no generated code is needed.
package remote

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the param store service.
const CodecName = "json"

const serviceName = "devicelock.ParamStore"

// Full method names of the param store service.
const (
	MethodPing   = "/" + serviceName + "/Ping"
	MethodGet    = "/" + serviceName + "/Get"
	MethodList   = "/" + serviceName + "/List"
	MethodCommit = "/" + serviceName + "/Commit"
)

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

// PingRequest is the request of the Ping method.
type PingRequest struct{}

// PingResponse is the response of the Ping method.
type PingResponse struct{}

// GetRequest is the request of the Get method.
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse is the response of the Get method.
type GetResponse struct {
	Value []byte `json:"value"`
}

// ListRequest is the request of the List method.
type ListRequest struct {
	Prefix string `json:"prefix"`
}

// ListResponse is the response of the List method.
type ListResponse struct {
	Keys []string `json:"keys"`
}

// CommitRequest applies puts and deletes atomically.
type CommitRequest struct {
	Puts    map[string][]byte `json:"puts,omitempty"`
	Deletes []string          `json:"deletes,omitempty"`
}

// CommitResponse is the response of the Commit method.
type CommitResponse struct{}

// ParamStoreServer is the server API of the param store service.
type ParamStoreServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Commit(context.Context, *CommitRequest) (*CommitResponse, error)
}

// RegisterParamStoreServer registers srv with a gRPC server.
func RegisterParamStoreServer(s grpc.ServiceRegistrar, srv ParamStoreServer) {
	s.RegisterService(&paramStoreServiceDesc, srv)
}

var paramStoreServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ParamStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unaryHandler(MethodPing, ParamStoreServer.Ping)},
		{MethodName: "Get", Handler: unaryHandler(MethodGet, ParamStoreServer.Get)},
		{MethodName: "List", Handler: unaryHandler(MethodList, ParamStoreServer.List)},
		{MethodName: "Commit", Handler: unaryHandler(MethodCommit, ParamStoreServer.Commit)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "devicelock/paramstore",
}

// unaryHandler adapts a typed server method to a grpc.MethodHandler.
func unaryHandler[Req, Resp any](fullMethod string, method func(ParamStoreServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(ParamStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(ParamStoreServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
