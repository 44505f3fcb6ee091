// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config defines the environment variables and the configuration file of the device lock controller.
package config

import "time"

const (
	// ClientAddr is the address for the HTTP-REST admin server to listen on.
	ClientAddr = "EDG_DEVICELOCK_CLIENT_ADDR"
	// ClientAddrDefault is the default address for the HTTP-REST admin server to listen on.
	ClientAddrDefault = "localhost:4434"

	// ParamAddr is the address of the gRPC param store serving the global partition.
	ParamAddr = "EDG_DEVICELOCK_PARAM_ADDR"
	// ParamAddrDefault is the default address of the gRPC param store.
	ParamAddrDefault = "localhost:4435"

	// ParamServer makes this process serve the global partition instead of connecting to it.
	ParamServer = "EDG_DEVICELOCK_PARAM_SERVER"
	// ParamServerDefault serves the global partition.
	ParamServerDefault = "1"

	// ParamConnectTimeout bounds how long the controller waits for the param store to become reachable.
	ParamConnectTimeout = "EDG_DEVICELOCK_PARAM_CONNECT_TIMEOUT"
	// ParamConnectTimeoutDefault is the default connect timeout.
	ParamConnectTimeoutDefault = 30 * time.Second

	// PromAddr is the address for the prometheus endpoint server to listen on.
	PromAddr = "EDG_DEVICELOCK_PROMETHEUS_ADDR"

	// DataDir is the directory the per-user partition is persisted in.
	DataDir = "EDG_DEVICELOCK_DATA_DIR"
	// DataDirDefault is the default per-user data directory, relative to the working directory.
	DataDirDefault = "data"

	// GlobalDataDir is the directory the global partition is persisted in when this process serves it.
	GlobalDataDir = "EDG_DEVICELOCK_GLOBAL_DATA_DIR"
	// GlobalDataDirDefault is the default global data directory, relative to the working directory.
	GlobalDataDirDefault = "global"

	// InstallDir is the directory kiosk packages are installed into.
	InstallDir = "EDG_DEVICELOCK_INSTALL_DIR"
	// InstallDirDefault is the default install directory, relative to the working directory.
	InstallDirDefault = "apps"

	// NetworkProbeURL is probed before network bound work runs. If unset, the network is assumed to be available.
	NetworkProbeURL = "EDG_DEVICELOCK_NETWORK_PROBE_URL"

	// ReportURL receives the device finalized report. If unset, the report is only logged.
	ReportURL = "EDG_DEVICELOCK_REPORT_URL"

	// ConfigFile is the path of the optional YAML configuration file.
	ConfigFile = "EDG_DEVICELOCK_CONFIG"

	// DevMode enables more verbose logging.
	DevMode = "EDG_DEVICELOCK_DEV_MODE"
	// DevModeDefault is the default logging mode.
	DevModeDefault = "0"

	// DebugLogging enables debug logs of the gRPC library.
	DebugLogging = "EDG_DEBUG_LOGGING"
	// DebugLoggingDefault is the default value to use when the DebugLogging env var is not set.
	DebugLoggingDefault = "0"
)
