// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"time"

	"github.com/fleetbus/fleetbus/commands"
	"github.com/go-kit/kit/metrics"
)

var _ commands.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     commands.Service
}

// MetricsMiddleware instruments the command queue by tracking request count
// and latency.
func MetricsMiddleware(svc commands.Service, counter metrics.Counter, latency metrics.Histogram) commands.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (ms *metricsMiddleware) Add(ctx context.Context, cmd commands.Command) (commands.Command, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "add_command").Add(1)
		ms.latency.With("method", "add_command").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.Add(ctx, cmd)
}

func (ms *metricsMiddleware) Claim(ctx context.Context, deviceID string, maxCount int, visibility time.Duration) ([]commands.Command, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "claim_commands").Add(1)
		ms.latency.With("method", "claim_commands").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.Claim(ctx, deviceID, maxCount, visibility)
}

func (ms *metricsMiddleware) SubmitResult(ctx context.Context, commandID, claimToken, deviceID string, result commands.Result) (commands.Command, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "submit_result").Add(1)
		ms.latency.With("method", "submit_result").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.SubmitResult(ctx, commandID, claimToken, deviceID, result)
}

func (ms *metricsMiddleware) ViewCommand(ctx context.Context, id string) (commands.Command, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "view_command").Add(1)
		ms.latency.With("method", "view_command").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.ViewCommand(ctx, id)
}

func (ms *metricsMiddleware) ListCommands(ctx context.Context, page commands.Page) (commands.CommandsPage, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "list_commands").Add(1)
		ms.latency.With("method", "list_commands").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.ListCommands(ctx, page)
}

func (ms *metricsMiddleware) Sweep(ctx context.Context) (uint64, error) {
	defer func(begin time.Time) {
		ms.counter.With("method", "sweep").Add(1)
		ms.latency.With("method", "sweep").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return ms.svc.Sweep(ctx)
}
