// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/edgelesssys/devicelock/controller"
	"github.com/edgelesssys/devicelock/controller/config"
	"github.com/edgelesssys/devicelock/controller/events"
	"github.com/edgelesssys/devicelock/controller/kiosk"
	"github.com/edgelesssys/devicelock/controller/metrics"
	"github.com/edgelesssys/devicelock/controller/policy"
	"github.com/edgelesssys/devicelock/controller/repository"
	"github.com/edgelesssys/devicelock/controller/server"
	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/edgelesssys/devicelock/controller/store/remote"
	"github.com/edgelesssys/devicelock/controller/store/stdstore"
	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/edgelesssys/devicelock/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Version is the controller version.
var Version = "0.0.0" // Don't touch! Automatically injected at build-time.

// GitCommit is the git commit hash.
var GitCommit = "0000000000000000000000000000000000000000" // Don't touch! Automatically injected at build-time.

func run(ctx context.Context) {
	devModeStr := util.Getenv(config.DevMode, config.DevModeDefault)
	devMode := devModeStr == "1"

	// Development Logger shows a stacktrace for warnings & errors, Production Logger only for errors
	var zapLogger *zap.Logger
	var err error
	if devMode {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer zapLogger.Sync() // flushes buffer, if any

	zapLogger.Info("Starting device lock controller", zap.String("version", Version), zap.String("commit", GitCommit))

	// fetching env vars
	clientServerAddr := util.Getenv(config.ClientAddr, config.ClientAddrDefault)
	paramAddr := util.Getenv(config.ParamAddr, config.ParamAddrDefault)
	serveParams := util.Getenv(config.ParamServer, config.ParamServerDefault) == "1"
	promServerAddr := os.Getenv(config.PromAddr)
	dataDir := util.Getenv(config.DataDir, filepath.Join(util.MustGetwd(), config.DataDirDefault))
	globalDataDir := util.Getenv(config.GlobalDataDir, filepath.Join(util.MustGetwd(), config.GlobalDataDirDefault))
	installDir := util.Getenv(config.InstallDir, filepath.Join(util.MustGetwd(), config.InstallDirDefault))

	hostFs := afero.NewOsFs()
	cfg, err := config.Load(hostFs, os.Getenv(config.ConfigFile))
	if err != nil {
		zapLogger.Fatal("Cannot load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		zapLogger.Fatal("Invalid config, set it with "+config.ConfigFile, zap.Error(err))
	}

	disabled, err := isDisabled(hostFs, dataDir)
	if err != nil {
		zapLogger.Fatal("Cannot check activation state", zap.Error(err))
	}
	if disabled {
		zapLogger.Info("Controller was disabled after finalization, exiting")
		return
	}

	// Create Prometheus resources and start the Prometheus server.
	eventlog := events.NewLog()
	var promRegistry *prometheus.Registry
	var promFactoryPtr *promauto.Factory
	if promServerAddr != "" {
		promRegistry = prometheus.NewRegistry()
		promFactory := promauto.With(promRegistry)
		promFactoryPtr = &promFactory
		promFactory.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicelock",
			Name:      "version_info",
			Help:      "Version information of the device lock controller.",
			ConstLabels: map[string]string{
				"version": Version,
				"commit":  GitCommit,
			},
		})
		go server.RunPrometheusServer(promServerAddr, zapLogger, promRegistry, eventlog)
	}

	// canceled by the disabler, too
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	userStore := stdstore.New(hostFs, dataDir, zapLogger.Named("user-store"))
	if err := userStore.LoadState(); err != nil {
		zapLogger.Fatal("Cannot load per-user state", zap.Error(err))
	}
	globalStore := openGlobalStore(ctx, hostFs, globalDataDir, paramAddr, serveParams, promRegistry, zapLogger)
	repo := &repository.Partitioned{
		User:   repository.NewLocal(userStore),
		Global: repository.NewLocal(globalStore),
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	var network worker.NetworkMonitor = worker.AlwaysOnline{}
	if probeURL := os.Getenv(config.NetworkProbeURL); probeURL != "" {
		network = &worker.ProbeMonitor{
			URL:      probeURL,
			Client:   &http.Client{Timeout: 10 * time.Second},
			Interval: 10 * time.Second,
			Log:      zapLogger.Named("network"),
		}
	}

	co, err := controller.New(cfg, controller.Dependencies{
		Repository:    repo,
		DeviceManager: policy.NewMemoryDeviceManager(),
		Installer:     kiosk.NewDirInstaller(hostFs, installDir),
		Network:       network,
		HTTPClient:    httpClient,
		Fs:            hostFs,
		Reporter:      newReporter(httpClient, os.Getenv(config.ReportURL), repo, zapLogger.Named("report")),
		Disabler:      newDisabler(hostFs, dataDir, cancel, zapLogger),
		Metrics:       metrics.New(promFactoryPtr, "devicelock"),
		EventLog:      eventlog,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Cannot create controller", zap.Error(err))
	}
	defer co.Close()
	if err := co.Start(ctx); err != nil {
		zapLogger.Fatal("Cannot restore controller state", zap.Error(err))
	}

	zapLogger.Info("Starting the admin server")
	mux := server.CreateServeMux(co, promFactoryPtr, zapLogger)
	if err := server.RunClientServer(ctx, mux, clientServerAddr, zapLogger); err != nil {
		zapLogger.Fatal("Admin server failed", zap.Error(err))
	}
	zapLogger.Info("Device lock controller stopped")
}

// openGlobalStore either serves the global partition from this process or connects to the process serving it.
func openGlobalStore(ctx context.Context, fs afero.Fs, dir, addr string, serve bool,
	promRegistry *prometheus.Registry, zapLogger *zap.Logger,
) store.Store {
	if !serve {
		client := remote.NewClient(addr, zapLogger.Named("param-client"),
			remote.WithMaxWait(util.GetenvDuration(config.ParamConnectTimeout, config.ParamConnectTimeoutDefault)))
		if err := client.Connect(ctx); err != nil {
			zapLogger.Fatal("Cannot connect to param store", zap.Error(err))
		}
		return client
	}

	globalStore := stdstore.New(fs, dir, zapLogger.Named("global-store"),
		stdstore.WithFileLock(filepath.Join(dir, "global.lock")))
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		zapLogger.Fatal("Cannot create global data directory", zap.Error(err))
	}
	if err := globalStore.LoadState(); err != nil {
		zapLogger.Fatal("Cannot load global state", zap.Error(err))
	}

	grpcServer := server.NewParamServer(globalStore, zapLogger, promRegistry)
	addrChan := make(chan string)
	errChan := make(chan error)
	go server.RunParamServer(grpcServer, addr, addrChan, errChan)
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()
	select {
	case err := <-errChan:
		zapLogger.Fatal("Cannot serve param store", zap.Error(err))
	case grpcAddr := <-addrChan:
		zapLogger.Info("Started param store server", zap.String("grpcAddr", grpcAddr))
	}
	go func() {
		if err := <-errChan; err != nil {
			zapLogger.Error("Param store server stopped", zap.Error(err))
		}
	}()
	return globalStore
}
