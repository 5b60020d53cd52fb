// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetbus/fleetbus/commands"
	"github.com/fleetbus/fleetbus/pkg/correlation"
	"github.com/fleetbus/fleetbus/pkg/errors"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/fleetbus/fleetbus/pkg/messaging"
)

func (svc *adapterService) StartDeviceSession(ctx context.Context, conn *websocket.Conn, token string) error {
	deviceID, err := svc.cache.Session(ctx, token)
	if err != nil {
		refuse(conn, websocket.ClosePolicyViolation, "authentication failed")
		return errors.Wrap(svcerr.ErrAuthentication, err)
	}

	id, err := svc.idProvider.ID()
	if err != nil {
		refuse(conn, websocket.CloseInternalServerErr, "session setup failed")
		return errors.Wrap(errGeneratingID, err)
	}

	client := NewClient(id, KindDevice, deviceID, conn)
	svc.registry.Add(client)

	// The session token is single-use: once redeemed the device holds the
	// live connection as its credential.
	if err := svc.cache.RemoveSession(ctx, token); err != nil {
		svc.logger.Warn("failed to drop redeemed session", slog.String("device_id", deviceID), slog.Any("error", err))
	}

	control := messaging.DeviceControlChannel(deviceID)
	cfg := messaging.SubscriberConfig{
		ID:      id,
		Channel: control,
		Handler: client,
	}
	if err := svc.pubsub.Subscribe(ctx, cfg); err != nil {
		_ = client.CloseWithCode(websocket.CloseInternalServerErr, "session setup failed")
		svc.registry.Remove(id)
		return errors.Wrap(ErrFailedSubscription, err)
	}
	client.AddChannel(control)

	svc.reply(client, "", map[string]interface{}{
		"type":      typeConnected,
		"deviceId":  deviceID,
		"timestamp": time.Now().UTC().Unix(),
	})

	svc.logger.Info("device session started", slog.String("device_id", deviceID), slog.String("connection_id", id))
	svc.readLoop(ctx, client, svc.handleDeviceMessage)
	svc.logger.Info("device session ended", slog.String("device_id", deviceID), slog.String("connection_id", id))

	return nil
}

func (svc *adapterService) handleDeviceMessage(ctx context.Context, c *Client, raw []byte) {
	corrID := correlation.Extract(raw)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	switch env.Type {
	case typeClaimCommand:
		svc.claimCommand(ctx, c, corrID, raw)
	case typeCommandResult:
		svc.commandResult(ctx, c, corrID, raw)
	case typeHeartbeat:
		c.Touch()
		svc.reply(c, corrID, map[string]interface{}{
			"type":      typeHeartbeatAck,
			"timestamp": time.Now().UTC().Unix(),
		})
	case typeStatusUpdate:
		svc.statusUpdate(ctx, c, corrID, raw)
	default:
		svc.sendError(c, corrID, "unknown message type: "+env.Type)
	}
}

func (svc *adapterService) claimCommand(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg claimCommandMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}
	if msg.MaxCount == 0 {
		msg.MaxCount = 1
	}
	if msg.MaxCount > svc.cfg.MaxClaimBatch {
		msg.MaxCount = svc.cfg.MaxClaimBatch
	}

	claimed, err := svc.commands.Claim(ctx, c.SubjectID(), msg.MaxCount, svc.cfg.ClaimVisibility)
	if err != nil {
		svc.logger.Warn("claim failed", slog.String("device_id", c.SubjectID()), slog.Any("error", err))
		svc.sendError(c, corrID, errorText(err))
		return
	}

	svc.reply(c, corrID, map[string]interface{}{
		"type":     typeCommands,
		"commands": claimed,
	})
}

func (svc *adapterService) commandResult(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg commandResultMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	result := commands.Result{
		Status:   msg.Status,
		Output:   msg.Output,
		Error:    msg.Error,
		Duration: msg.Duration,
	}
	cmd, err := svc.commands.SubmitResult(ctx, msg.CommandID, msg.ClaimToken, c.SubjectID(), result)
	if err != nil {
		svc.logger.Warn("result rejected", slog.String("device_id", c.SubjectID()), slog.String("command_id", msg.CommandID), slog.Any("error", err))
		svc.sendError(c, corrID, errorText(err))
		return
	}

	svc.reply(c, corrID, map[string]interface{}{
		"type":      typeResultAccepted,
		"commandId": cmd.ID,
		"status":    cmd.Status,
	})
}

func (svc *adapterService) statusUpdate(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg statusUpdateMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	if err := svc.cache.SaveStatus(ctx, c.SubjectID(), msg.Status); err != nil {
		svc.logger.Warn("failed to cache status", slog.String("device_id", c.SubjectID()), slog.Any("error", err))
	}
	if len(msg.SystemInfo) > 0 {
		if err := svc.cache.SaveSystemInfo(ctx, c.SubjectID(), msg.SystemInfo); err != nil {
			svc.logger.Warn("failed to cache system info", slog.String("device_id", c.SubjectID()), slog.Any("error", err))
		}
	}

	// Fan the fresh status out to watching customers. Best-effort, same as
	// every other channel publish.
	envelope := map[string]interface{}{
		"type":     typeStatus,
		"deviceId": c.SubjectID(),
		"status":   json.RawMessage(msg.Status),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	msgOut := messaging.Message{Payload: payload, Publisher: c.SubjectID()}
	if err := svc.pubsub.Publish(ctx, messaging.DeviceUpdatesChannel(c.SubjectID()), &msgOut); err != nil {
		svc.logger.Warn("failed to publish status", slog.String("device_id", c.SubjectID()), slog.Any("error", err))
	}
}
