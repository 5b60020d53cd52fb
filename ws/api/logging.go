// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetbus/fleetbus/ws"
)

var _ ws.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger  *slog.Logger
	service ws.Service
}

// LoggingMiddleware adds logging facilities to the websocket adapter.
func LoggingMiddleware(service ws.Service, logger *slog.Logger) ws.Service {
	return &loggingMiddleware{
		logger:  logger,
		service: service,
	}
}

func (lm *loggingMiddleware) StartDeviceSession(ctx context.Context, conn *websocket.Conn, token string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Device session failed", args...)
			return
		}
		lm.logger.Info("Device session completed successfully", args...)
	}(time.Now())

	return lm.service.StartDeviceSession(ctx, conn, token)
}

func (lm *loggingMiddleware) StartCustomerSession(ctx context.Context, conn *websocket.Conn, token string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Customer session failed", args...)
			return
		}
		lm.logger.Info("Customer session completed successfully", args...)
	}(time.Now())

	return lm.service.StartCustomerSession(ctx, conn, token)
}
