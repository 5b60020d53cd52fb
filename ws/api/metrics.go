// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/gorilla/websocket"

	"github.com/fleetbus/fleetbus/ws"
)

var _ ws.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     ws.Service
}

// MetricsMiddleware instruments the websocket adapter by tracking session
// count and duration.
func MetricsMiddleware(svc ws.Service, counter metrics.Counter, latency metrics.Histogram) ws.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (ms *metricsMiddleware) StartDeviceSession(ctx context.Context, conn *websocket.Conn, token string) error {
	defer func(begin time.Time) {
		ms.counter.With("method", "device_session").Add(1)
		ms.latency.With("method", "device_session").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.StartDeviceSession(ctx, conn, token)
}

func (ms *metricsMiddleware) StartCustomerSession(ctx context.Context, conn *websocket.Conn, token string) error {
	defer func(begin time.Time) {
		ms.counter.With("method", "customer_session").Add(1)
		ms.latency.With("method", "customer_session").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.StartCustomerSession(ctx, conn, token)
}
