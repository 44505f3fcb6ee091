// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"fmt"

	"github.com/edgelesssys/devicelock/controller/config"
	"github.com/edgelesssys/devicelock/util"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.uber.org/zap"
	"google.golang.org/grpc/grpclog"
)

func replaceGRPCLogger(l *zap.Logger) {
	options := []zap.Option{
		zap.AddCallerSkip(2),
	}
	if util.Getenv(config.DebugLogging, config.DebugLoggingDefault) != "1" {
		options = append(options, zap.IncreaseLevel(zap.WarnLevel))
	}

	gl := &grpcLogger{
		logger:    l.With(zap.String("system", "grpc"), zap.Bool("grpc_log", true)).WithOptions(options...),
		verbosity: 0,
	}
	grpclog.SetLoggerV2(gl)
}

type grpcLogger struct {
	logger    *zap.Logger
	verbosity int
}

func (l *grpcLogger) Info(args ...any) {
	l.logger.Info(fmt.Sprint(args...))
}

func (l *grpcLogger) Infoln(args ...any) {
	l.logger.Info(fmt.Sprint(args...))
}

func (l *grpcLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) Warning(args ...any) {
	l.logger.Warn(fmt.Sprint(args...))
}

func (l *grpcLogger) Warningln(args ...any) {
	l.logger.Warn(fmt.Sprint(args...))
}

func (l *grpcLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) Error(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *grpcLogger) Errorln(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *grpcLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) Fatal(args ...any) {
	l.logger.Fatal(fmt.Sprint(args...))
}

func (l *grpcLogger) Fatalln(args ...any) {
	l.logger.Fatal(fmt.Sprint(args...))
}

func (l *grpcLogger) Fatalf(format string, args ...any) {
	l.logger.Fatal(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) V(level int) bool {
	return level <= l.verbosity
}

// middlewareLogger adapts log to the logging interceptors of the param server.
func middlewareLogger(log *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make([]zap.Field, 0, len(fields)/2)

		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				key = fmt.Sprint(fields[i])
			}

			switch v := fields[i+1].(type) {
			case string:
				f = append(f, zap.String(key, v))
			case int:
				f = append(f, zap.Int(key, v))
			case bool:
				f = append(f, zap.Bool(key, v))
			default:
				f = append(f, zap.Any(key, v))
			}
		}

		logger := log.WithOptions(zap.AddCallerSkip(1)).With(f...)

		switch lvl {
		case logging.LevelDebug:
			logger.Debug(msg)
		case logging.LevelInfo:
			logger.Info(msg)
		case logging.LevelWarn:
			logger.Warn(msg)
		case logging.LevelError:
			logger.Error(msg)
		default:
			panic(fmt.Sprintf("unknown level %v", lvl))
		}
	})
}
