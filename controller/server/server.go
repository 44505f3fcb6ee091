// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package server contains the admin HTTP-REST server, the metrics server and the gRPC param store server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/server/handler"
	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/edgelesssys/devicelock/controller/store/remote"
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// APIPrefix is the path prefix of the admin API.
const APIPrefix = "/api/v1"

// ProvisionAction is an operation on the provisioning flow.
type ProvisionAction string

// Provisioning operations.
const (
	ProvisionReady  ProvisionAction = "ready"
	ProvisionPause  ProvisionAction = "pause"
	ProvisionResume ProvisionAction = "resume"
	ProvisionRetry  ProvisionAction = "retry"
	ProvisionStart  ProvisionAction = "start"
)

// ProvisionActions returns all provisioning operations.
func ProvisionActions() []ProvisionAction {
	return []ProvisionAction{ProvisionReady, ProvisionPause, ProvisionResume, ProvisionRetry, ProvisionStart}
}

// API is the interface implementing the backend logic of the REST API.
type API interface {
	Status(ctx context.Context) (state.Status, error)
	DeviceEvent(ctx context.Context, event state.DeviceEvent) (state.DeviceState, error)
	// Provision runs action. If pending is true, the operation continues in the background.
	Provision(ctx context.Context, action ProvisionAction) (st state.ProvisionState, pending bool, err error)
	SetupComplete(ctx context.Context) error
	ReportFinalized(ctx context.Context) (state.FinalizationState, error)
	Compliance(ctx context.Context) (map[string]bool, error)
	Flags(ctx context.Context) (map[string]bool, error)
	SetFlags(ctx context.Context, flags map[string]bool) error
}

// CreateServeMux creates a mux that serves the admin API.
func CreateServeMux(api API, promFactory *promauto.Factory, log *zap.Logger) http.Handler {
	s := &apiServer{api: api, log: log}
	router := newAPIMux(promFactory, "devicelock", "admin_api")
	router.HandleFunc("/", handler.MethodNotAllowedHandler)

	get := func(h func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
		return handler.GetPost(h, handler.MethodNotAllowedHandler)
	}
	post := func(h func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
		return handler.GetPost(handler.MethodNotAllowedHandler, h)
	}

	router.HandleFunc(APIPrefix+"/status", get(s.statusGet))
	router.HandleFunc(APIPrefix+"/device/lock", post(s.devicePost(state.EventLock)))
	router.HandleFunc(APIPrefix+"/device/unlock", post(s.devicePost(state.EventUnlock)))
	router.HandleFunc(APIPrefix+"/device/clear", post(s.devicePost(state.EventClear)))
	for _, action := range ProvisionActions() {
		router.HandleFunc(APIPrefix+"/provision/"+string(action), post(s.provisionPost(action)))
	}
	router.HandleFunc(APIPrefix+"/setup-complete", post(s.setupCompletePost))
	router.HandleFunc(APIPrefix+"/finalize/report", post(s.finalizeReportPost))
	router.HandleFunc(APIPrefix+"/compliance", get(s.complianceGet))
	router.HandleFunc(APIPrefix+"/flags", handler.GetPost(s.flagsGet, s.flagsPost))
	return router
}

// RunClientServer runs a HTTP server serving mux. It returns once ctx is done.
func RunClientServer(ctx context.Context, mux http.Handler, address string, zapLogger *zap.Logger) error {
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	zapLogger.Info("Starting admin http server", zap.String("address", address))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// RunPrometheusServer runs a HTTP server handling the prometheus metrics endpoint.
func RunPrometheusServer(address string, zapLogger *zap.Logger, reg *prometheus.Registry, eventlog *events.Log) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	mux.Handle("/events", eventlog.Handler())
	zapLogger.Info("Starting prometheus /metrics endpoint", zap.String("address", address))
	err := http.ListenAndServe(address, mux)
	zapLogger.Warn(err.Error())
}

// NewParamServer creates the gRPC server serving s as the global partition.
func NewParamServer(s store.Store, zapLogger *zap.Logger, promRegistry *prometheus.Registry) *grpc.Server {
	// Make sure that log statements internal to gRPC library are logged using the zapLogger as well.
	replaceGRPCLogger(zapLogger)

	grpcMetrics := grpcprometheus.NewServerMetrics()
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(middlewareLogger(zapLogger)),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)

	remote.RegisterParamStoreServer(grpcServer, remote.NewServer(s, zapLogger))
	if promRegistry != nil {
		grpcMetrics.InitializeMetrics(grpcServer)
		promRegistry.MustRegister(grpcMetrics)
	}
	return grpcServer
}

// RunParamServer serves the global partition on addr.
// The effective TCP address is returned via addrChan.
func RunParamServer(grpcServer *grpc.Server, addr string, addrChan chan string, errChan chan error) {
	socket, err := net.Listen("tcp", addr)
	if err != nil {
		errChan <- err
		return
	}
	addrChan <- socket.Addr().String()
	if err := grpcServer.Serve(socket); err != nil {
		errChan <- err
	}
}

type apiServer struct {
	api API
	log *zap.Logger
}

type deviceResponse struct {
	State string `json:"state"`
}

type provisionResponse struct {
	State   string `json:"state"`
	Pending bool   `json:"pending"`
}

type finalizationResponse struct {
	State string `json:"state"`
}

func (s *apiServer) statusGet(w http.ResponseWriter, r *http.Request) {
	status, err := s.api.Status(r.Context())
	if err != nil {
		handler.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	handler.WriteJSON(w, status)
}

func (s *apiServer) devicePost(event state.DeviceEvent) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.api.DeviceEvent(r.Context(), event)
		if err != nil {
			s.log.Info("Device event failed", zap.Stringer("event", event), zap.Error(err))
			handler.WriteStateError(w, err)
			return
		}
		handler.WriteJSON(w, deviceResponse{State: st.String()})
	}
}

func (s *apiServer) provisionPost(action ProvisionAction) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		st, pending, err := s.api.Provision(r.Context(), action)
		if err != nil {
			s.log.Info("Provisioning action failed", zap.String("action", string(action)), zap.Error(err))
			handler.WriteStateError(w, err)
			return
		}
		resp := provisionResponse{State: st.String(), Pending: pending}
		if pending {
			handler.WriteJSONAccepted(w, resp)
			return
		}
		handler.WriteJSON(w, resp)
	}
}

func (s *apiServer) setupCompletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.api.SetupComplete(r.Context()); err != nil {
		handler.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	handler.WriteJSON(w, nil)
}

func (s *apiServer) finalizeReportPost(w http.ResponseWriter, r *http.Request) {
	st, err := s.api.ReportFinalized(r.Context())
	if err != nil {
		handler.WriteStateError(w, err)
		return
	}
	handler.WriteJSON(w, finalizationResponse{State: st.String()})
}

func (s *apiServer) complianceGet(w http.ResponseWriter, r *http.Request) {
	compliance, err := s.api.Compliance(r.Context())
	if err != nil {
		handler.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	handler.WriteJSON(w, compliance)
}

func (s *apiServer) flagsGet(w http.ResponseWriter, r *http.Request) {
	flags, err := s.api.Flags(r.Context())
	if err != nil {
		handler.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	handler.WriteJSON(w, flags)
}

func (s *apiServer) flagsPost(w http.ResponseWriter, r *http.Request) {
	var flags map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		handler.WriteJSONFailure(w, map[string]string{"message": fmt.Sprintf("decoding flags: %s", err)}, http.StatusBadRequest)
		return
	}
	if err := s.api.SetFlags(r.Context(), flags); err != nil {
		var unknown *UnknownFlagError
		if errors.As(err, &unknown) {
			handler.WriteJSONFailure(w, map[string]string{"message": err.Error()}, http.StatusBadRequest)
			return
		}
		handler.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.flagsGet(w, r)
}

// UnknownFlagError is returned for a flag that cannot be set through the API.
type UnknownFlagError struct {
	Name string
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("unknown flag %q", e.Name)
}
