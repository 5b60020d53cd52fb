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
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/fleetbus/fleetbus/pkg/messaging"
)

func (svc *adapterService) StartCustomerSession(ctx context.Context, conn *websocket.Conn, token string) error {
	session, err := svc.auth.Identify(ctx, token)
	if err != nil {
		refuse(conn, websocket.ClosePolicyViolation, "authentication failed")
		return errors.Wrap(svcerr.ErrAuthentication, err)
	}

	id, err := svc.idProvider.ID()
	if err != nil {
		refuse(conn, websocket.CloseInternalServerErr, "session setup failed")
		return errors.Wrap(errGeneratingID, err)
	}

	client := NewClient(id, KindCustomer, session.CustomerID, conn)
	svc.registry.Add(client)

	owned, err := svc.devices.RetrieveByCustomer(ctx, session.CustomerID)
	if err != nil {
		_ = client.CloseWithCode(websocket.CloseInternalServerErr, "session setup failed")
		svc.registry.Remove(id)
		return errors.Wrap(svcerr.ErrViewEntity, err)
	}

	// A customer session watches every owned device. The connection is
	// useless without fanout, so a failed subscribe is fatal to setup.
	for _, dev := range owned {
		updates := messaging.DeviceUpdatesChannel(dev.ID)
		cfg := messaging.SubscriberConfig{
			ID:      id,
			Channel: updates,
			Handler: client,
		}
		if err := svc.pubsub.Subscribe(ctx, cfg); err != nil {
			_ = client.CloseWithCode(websocket.CloseInternalServerErr, "session setup failed")
			svc.registry.Remove(id)
			return errors.Wrap(ErrFailedSubscription, err)
		}
		client.AddChannel(updates)
	}

	svc.reply(client, "", map[string]interface{}{
		"type":       typeConnected,
		"customerId": session.CustomerID,
		"timestamp":  time.Now().UTC().Unix(),
	})

	svc.logger.Info("customer session started", slog.String("customer_id", session.CustomerID), slog.String("connection_id", id), slog.Int("devices", len(owned)))
	svc.readLoop(ctx, client, svc.handleCustomerMessage)
	svc.logger.Info("customer session ended", slog.String("customer_id", session.CustomerID), slog.String("connection_id", id))

	return nil
}

func (svc *adapterService) handleCustomerMessage(ctx context.Context, c *Client, raw []byte) {
	corrID := correlation.Extract(raw)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	switch env.Type {
	case typeApproveSession:
		svc.approveSession(ctx, c, corrID, raw)
	case typeGetSystemInfo:
		svc.getSystemInfo(ctx, c, corrID, raw)
	case typeSendCommand:
		svc.sendCommand(ctx, c, corrID, raw)
	case typeListCommands:
		svc.listCommands(ctx, c, corrID, raw)
	case typeGetCommand:
		svc.getCommand(ctx, c, corrID, raw)
	default:
		svc.sendError(c, corrID, "unknown message type: "+env.Type)
	}
}

func (svc *adapterService) approveSession(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg approveSessionMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	if err := svc.devices.CheckOwnership(ctx, msg.DeviceID, c.SubjectID()); err != nil {
		svc.sendError(c, corrID, errorText(err))
		return
	}

	if err := svc.cache.SaveSession(ctx, msg.SessionID, msg.DeviceID); err != nil {
		svc.logger.Warn("failed to save session", slog.String("device_id", msg.DeviceID), slog.Any("error", err))
		svc.sendError(c, corrID, "failed to approve session")
		return
	}

	// Tell the device its diagnostic session was approved so it can dial in.
	envelope := map[string]interface{}{
		"type":      typeSessionApproved,
		"deviceId":  msg.DeviceID,
		"sessionId": msg.SessionID,
	}
	if payload, err := json.Marshal(envelope); err == nil {
		if err := svc.pubsub.Publish(ctx, messaging.DeviceControlChannel(msg.DeviceID), &messaging.Message{Payload: payload, Publisher: c.SubjectID()}); err != nil {
			svc.logger.Warn("failed to publish session approval", slog.String("device_id", msg.DeviceID), slog.Any("error", err))
		}
	}

	svc.reply(c, corrID, map[string]interface{}{
		"type":      typeSessionApproved,
		"deviceId":  msg.DeviceID,
		"sessionId": msg.SessionID,
	})
}

func (svc *adapterService) getSystemInfo(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg getSystemInfoMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	if err := svc.devices.CheckOwnership(ctx, msg.DeviceID, c.SubjectID()); err != nil {
		svc.sendError(c, corrID, errorText(err))
		return
	}

	// Cache misses are normal: a device that has not reported since the TTL
	// lapsed simply has no cached state.
	envelope := map[string]interface{}{
		"type":     typeSystemInfo,
		"deviceId": msg.DeviceID,
	}
	if info, err := svc.cache.SystemInfo(ctx, msg.DeviceID); err == nil && len(info) > 0 {
		envelope["systemInfo"] = json.RawMessage(info)
	}
	if status, err := svc.cache.Status(ctx, msg.DeviceID); err == nil && len(status) > 0 {
		envelope["status"] = json.RawMessage(status)
	}

	svc.reply(c, corrID, envelope)
}

func (svc *adapterService) sendCommand(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg sendCommandMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	if err := svc.devices.CheckOwnership(ctx, msg.DeviceID, c.SubjectID()); err != nil {
		svc.sendError(c, corrID, errorText(err))
		return
	}

	cmd := commands.Command{
		DeviceID:   msg.DeviceID,
		CustomerID: c.SubjectID(),
		Type:       msg.CommandType,
		Payload:    msg.Payload,
		Priority:   msg.Priority,
	}
	saved, err := svc.commands.Add(ctx, cmd)
	if err != nil {
		svc.logger.Warn("failed to queue command", slog.String("device_id", msg.DeviceID), slog.Any("error", err))
		svc.sendError(c, corrID, errorText(err))
		return
	}

	svc.reply(c, corrID, map[string]interface{}{
		"type":    typeCommandQueued,
		"command": saved,
	})
}

// Command history page sizes.
const (
	defHistoryLimit = 10
	maxHistoryLimit = 100
)

func (svc *adapterService) listCommands(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg listCommandsMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	if err := svc.devices.CheckOwnership(ctx, msg.DeviceID, c.SubjectID()); err != nil {
		svc.sendError(c, corrID, errorText(err))
		return
	}

	if msg.Limit == 0 {
		msg.Limit = defHistoryLimit
	}
	if msg.Limit > maxHistoryLimit {
		msg.Limit = maxHistoryLimit
	}

	page := commands.Page{
		Offset:     msg.Offset,
		Limit:      msg.Limit,
		DeviceID:   msg.DeviceID,
		CustomerID: c.SubjectID(),
		Status:     msg.Status,
	}
	cp, err := svc.commands.ListCommands(ctx, page)
	if err != nil {
		svc.logger.Warn("failed to list commands", slog.String("device_id", msg.DeviceID), slog.Any("error", err))
		svc.sendError(c, corrID, errorText(err))
		return
	}

	svc.reply(c, corrID, map[string]interface{}{
		"type":     typeCommandList,
		"deviceId": msg.DeviceID,
		"commands": cp.Commands,
		"total":    cp.Total,
		"offset":   cp.Offset,
		"limit":    cp.Limit,
	})
}

func (svc *adapterService) getCommand(ctx context.Context, c *Client, corrID string, raw []byte) {
	var msg getCommandMsg
	if err := decode(raw, &msg); err != nil {
		svc.sendError(c, corrID, "malformed message")
		return
	}

	cmd, err := svc.commands.ViewCommand(ctx, msg.CommandID)
	if err != nil {
		if errors.Contains(err, repoerr.ErrNotFound) {
			svc.sendError(c, corrID, "command not found")
			return
		}
		svc.sendError(c, corrID, errorText(err))
		return
	}
	// Foreign commands are indistinguishable from missing ones.
	if cmd.CustomerID != c.SubjectID() {
		svc.sendError(c, corrID, "command not found")
		return
	}

	svc.reply(c, corrID, map[string]interface{}{
		"type":    typeCommand,
		"command": cmd,
	})
}
