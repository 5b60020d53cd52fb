// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetbus/fleetbus/commands"
)

var _ commands.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger  *slog.Logger
	service commands.Service
}

// LoggingMiddleware adds logging facilities to the command queue.
func LoggingMiddleware(service commands.Service, logger *slog.Logger) commands.Service {
	return &loggingMiddleware{
		logger:  logger,
		service: service,
	}
}

func (lm *loggingMiddleware) Add(ctx context.Context, cmd commands.Command) (saved commands.Command, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("command",
				slog.String("device_id", cmd.DeviceID),
				slog.String("type", cmd.Type),
				slog.Int("priority", cmd.Priority),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Add command failed", args...)
			return
		}
		lm.logger.Info("Add command completed successfully", args...)
	}(time.Now())

	return lm.service.Add(ctx, cmd)
}

func (lm *loggingMiddleware) Claim(ctx context.Context, deviceID string, maxCount int, visibility time.Duration) (claimed []commands.Command, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("device_id", deviceID),
			slog.Int("max_count", maxCount),
			slog.Int("claimed", len(claimed)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Claim commands failed", args...)
			return
		}
		lm.logger.Info("Claim commands completed successfully", args...)
	}(time.Now())

	return lm.service.Claim(ctx, deviceID, maxCount, visibility)
}

func (lm *loggingMiddleware) SubmitResult(ctx context.Context, commandID, claimToken, deviceID string, result commands.Result) (cmd commands.Command, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("command_id", commandID),
			slog.String("device_id", deviceID),
			slog.String("result_status", result.Status),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit result failed", args...)
			return
		}
		lm.logger.Info("Submit result completed successfully", args...)
	}(time.Now())

	return lm.service.SubmitResult(ctx, commandID, claimToken, deviceID, result)
}

func (lm *loggingMiddleware) ViewCommand(ctx context.Context, id string) (cmd commands.Command, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("command_id", id),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("View command failed", args...)
			return
		}
		lm.logger.Info("View command completed successfully", args...)
	}(time.Now())

	return lm.service.ViewCommand(ctx, id)
}

func (lm *loggingMiddleware) ListCommands(ctx context.Context, page commands.Page) (cp commands.CommandsPage, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("page",
				slog.String("device_id", page.DeviceID),
				slog.Uint64("offset", page.Offset),
				slog.Uint64("limit", page.Limit),
				slog.Uint64("total", cp.Total),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List commands failed", args...)
			return
		}
		lm.logger.Info("List commands completed successfully", args...)
	}(time.Now())

	return lm.service.ListCommands(ctx, page)
}

func (lm *loggingMiddleware) Sweep(ctx context.Context) (count uint64, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("failed", count),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Sweep abandoned commands failed", args...)
			return
		}
		lm.logger.Info("Sweep abandoned commands completed successfully", args...)
	}(time.Now())

	return lm.service.Sweep(ctx)
}
