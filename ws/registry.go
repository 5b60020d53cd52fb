// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetbus/fleetbus/pkg/errors"
	"github.com/fleetbus/fleetbus/pkg/messaging"
	"github.com/fleetbus/fleetbus/pkg/ticker"
)

// ErrConnNotFound indicates the referenced session is no longer registered.
// It is an expected outcome: a connection may close between dispatch
// decision and send.
var ErrConnNotFound = errors.New("connection not found")

// Registry is the authoritative map of live sessions. All state-changing
// operations are serialized; operations on different sessions never block
// each other beyond the map access itself.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	pubsub messaging.Subscriber
	logger *slog.Logger
}

// NewRegistry instantiates an empty session registry. The subscriber is
// used to release a session's fanout subscriptions when the session is
// removed.
func NewRegistry(pubsub messaging.Subscriber, logger *slog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		pubsub:  pubsub,
		logger:  logger,
	}
}

// Add registers a session. Registering over an existing id evicts the
// previous session first so its subscriptions never leak.
func (reg *Registry) Add(c *Client) {
	reg.mu.Lock()
	prev, ok := reg.clients[c.ID()]
	reg.clients[c.ID()] = c
	reg.mu.Unlock()

	if ok {
		reg.teardown(prev)
	}
}

// Remove unregisters a session and releases its resources. Removing an
// absent id is a no-op.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	c, ok := reg.clients[id]
	delete(reg.clients, id)
	reg.mu.Unlock()

	if ok {
		reg.teardown(c)
	}
}

// Send delivers a message to exactly one session if still present.
func (reg *Registry) Send(id string, payload []byte) error {
	reg.mu.RLock()
	c, ok := reg.clients[id]
	reg.mu.RUnlock()

	if !ok {
		return ErrConnNotFound
	}
	if err := c.Send(payload); err != nil {
		reg.logger.Warn(fmt.Sprintf("Failed to send to connection %s: %s", id, err))
		go reg.Remove(id)
		return err
	}

	return nil
}

// Broadcast delivers a message to every registered session. A failing
// socket is scheduled for removal and never aborts delivery to others.
func (reg *Registry) Broadcast(payload []byte) {
	reg.mu.RLock()
	clients := make([]*Client, 0, len(reg.clients))
	for _, c := range reg.clients {
		clients = append(clients, c)
	}
	reg.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(payload); err != nil {
			reg.logger.Warn(fmt.Sprintf("Broadcast to connection %s failed: %s", c.ID(), err))
			go reg.Remove(c.ID())
		}
	}
}

// Count reports the number of live sessions.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.clients)
}

// StartHeartbeat probes every live session on each tick and evicts peers
// that showed no liveness within the grace window. It blocks until ctx is
// done and never waits on a slow peer.
func (reg *Registry) StartHeartbeat(ctx context.Context, tick ticker.Ticker, grace time.Duration) {
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.Tick():
			reg.probe(grace)
		}
	}
}

func (reg *Registry) probe(grace time.Duration) {
	reg.mu.RLock()
	clients := make([]*Client, 0, len(reg.clients))
	for _, c := range reg.clients {
		clients = append(clients, c)
	}
	reg.mu.RUnlock()

	deadline := time.Now().Add(-grace)
	for _, c := range clients {
		if c.LastSeen().Before(deadline) {
			reg.logger.Warn(fmt.Sprintf("Evicting unresponsive connection %s", c.ID()))
			reg.Remove(c.ID())
			continue
		}
		if err := c.Ping(); err != nil {
			reg.logger.Warn(fmt.Sprintf("Ping to connection %s failed: %s", c.ID(), err))
			reg.Remove(c.ID())
		}
	}
}

// Cleanup closes all sockets and clears state. It is the last hook before
// process exit so no connection is abandoned mid-flight.
func (reg *Registry) Cleanup() {
	reg.mu.Lock()
	clients := reg.clients
	reg.clients = make(map[string]*Client)
	reg.mu.Unlock()

	for _, c := range clients {
		reg.teardown(c)
	}
}

// teardown releases the session's subscriptions and closes its socket.
func (reg *Registry) teardown(c *Client) {
	for _, channel := range c.Channels() {
		if err := reg.pubsub.Unsubscribe(context.Background(), c.ID(), channel); err != nil {
			reg.logger.Warn(fmt.Sprintf("Failed to unsubscribe connection %s from %s: %s", c.ID(), channel, err))
		}
	}
	if err := c.Close(); err != nil {
		reg.logger.Warn(fmt.Sprintf("Failed to close connection %s: %s", c.ID(), err))
	}
}
