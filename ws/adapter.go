// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetbus/fleetbus"
	"github.com/fleetbus/fleetbus/auth"
	"github.com/fleetbus/fleetbus/commands"
	"github.com/fleetbus/fleetbus/devices"
	"github.com/fleetbus/fleetbus/pkg/correlation"
	"github.com/fleetbus/fleetbus/pkg/errors"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/fleetbus/fleetbus/pkg/messaging"
)

var (
	// ErrFailedSubscription indicates the session could not attach to its
	// fanout channel.
	ErrFailedSubscription = errors.New("failed to subscribe to device channel")

	// errGeneratingID is sent to peers whose session could not be set up.
	errGeneratingID = errors.New("failed to generate connection id")
)

// Config holds the tunables of the session adapter.
type Config struct {
	// ClaimVisibility is the lease duration granted on claimed commands.
	ClaimVisibility time.Duration

	// MaxClaimBatch caps how many commands a device may claim at once.
	MaxClaimBatch int
}

// Service drives authenticated websocket sessions end to end: it owns the
// read loop, the channel subscriptions and the teardown of each connection.
type Service interface {
	// StartDeviceSession authenticates the approved session token, attaches
	// the device to its control channel and blocks serving the connection
	// until the peer goes away.
	StartDeviceSession(ctx context.Context, conn *websocket.Conn, token string) error

	// StartCustomerSession authenticates the bearer token, attaches the
	// customer to the updates channels of every owned device and blocks
	// serving the connection until the peer goes away.
	StartCustomerSession(ctx context.Context, conn *websocket.Conn, token string) error
}

var _ Service = (*adapterService)(nil)

type adapterService struct {
	registry   *Registry
	pubsub     messaging.PubSub
	commands   commands.Service
	devices    devices.Repository
	cache      devices.Cache
	auth       auth.Authenticator
	tracker    correlation.Tracker
	idProvider fleetbus.IDProvider
	logger     *slog.Logger
	cfg        Config
}

// New instantiates the websocket session adapter.
func New(registry *Registry, pubsub messaging.PubSub, cmds commands.Service, devs devices.Repository, cache devices.Cache, authn auth.Authenticator, idp fleetbus.IDProvider, logger *slog.Logger, cfg Config) Service {
	if cfg.MaxClaimBatch <= 0 {
		cfg.MaxClaimBatch = 10
	}

	return &adapterService{
		registry:   registry,
		pubsub:     pubsub,
		commands:   cmds,
		devices:    devs,
		cache:      cache,
		auth:       authn,
		tracker:    correlation.New(idp),
		idProvider: idp,
		logger:     logger,
		cfg:        cfg,
	}
}

// readLoop pumps inbound frames into the dispatcher until the connection
// drops, then releases everything the session acquired. A panicking handler
// kills the session, not the process.
func (svc *adapterService) readLoop(ctx context.Context, c *Client, dispatch func(context.Context, *Client, []byte)) {
	defer svc.registry.Remove(c.ID())

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					svc.logger.Error("session handler panic", slog.String("connection_id", c.ID()), slog.Any("panic", r))
					svc.sendError(c, correlation.Extract(raw), "internal error")
				}
			}()
			dispatch(ctx, c, raw)
		}()
	}
}

// reply stamps the correlation id on the envelope and delivers it through
// the registry, which schedules removal of a session whose socket rejects
// the write.
func (svc *adapterService) reply(c *Client, corrID string, envelope map[string]interface{}) {
	if _, err := svc.tracker.Stamp(envelope, corrID); err != nil {
		svc.logger.Warn("failed to stamp reply", slog.String("connection_id", c.ID()), slog.Any("error", err))
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		svc.logger.Warn("failed to marshal reply", slog.String("connection_id", c.ID()), slog.Any("error", err))
		return
	}

	if err := svc.registry.Send(c.ID(), payload); err != nil {
		svc.logger.Warn("failed to write reply", slog.String("connection_id", c.ID()), slog.Any("error", err))
	}
}

// sendError emits a typed error reply correlated to the offending message.
// Malformed traffic never tears the session down.
func (svc *adapterService) sendError(c *Client, corrID, text string) {
	svc.reply(c, corrID, map[string]interface{}{
		"type":  typeError,
		"error": text,
	})
}

// refuse closes an unauthenticated or broken connection before any session
// state exists, so there is nothing to tear down.
func refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// errorText maps service errors to the stable strings peers see. Internal
// detail stays in the logs.
func errorText(err error) string {
	switch {
	case errors.Contains(err, commands.ErrNotFound):
		return "command not found"
	case errors.Contains(err, commands.ErrInvalidClaim):
		return "invalid or expired claim token"
	case errors.Contains(err, commands.ErrAlreadyCompleted):
		return "command already completed"
	case errors.Contains(err, svcerr.ErrAuthorization):
		return "not authorized for device"
	case errors.Contains(err, repoerr.ErrNotFound):
		return "device not found"
	case errors.Contains(err, svcerr.ErrMalformedEntity):
		return "malformed message"
	case errors.Contains(err, svcerr.ErrInvalidStatus):
		return "invalid result status"
	default:
		return "request failed"
	}
}
