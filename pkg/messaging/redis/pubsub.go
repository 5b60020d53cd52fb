// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a fanout relay over Redis pub/sub. Every
// subscription holds a dedicated broker connection, so one session blocked
// on a slow consumer never starves the publish path or other sessions.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fleetbus/fleetbus/pkg/messaging"
	"github.com/redis/go-redis/v9"
)

// Publisher and Subscriber errors.
var (
	ErrNotSubscribed = fmt.Errorf("not subscribed")
	ErrEmptyChannel  = fmt.Errorf("empty channel")
	ErrEmptyID       = fmt.Errorf("empty id")
)

var _ messaging.PubSub = (*pubsub)(nil)

type subscription struct {
	ps      *redis.PubSub
	handler messaging.MessageHandler
}

type pubsub struct {
	publisher
	logger *slog.Logger
	mu     sync.Mutex
	// subscriptions is keyed by channel, then by subscription id.
	subscriptions map[string]map[string]subscription
}

// NewPubSub returns a Redis message publisher/subscriber.
func NewPubSub(url string, logger *slog.Logger) (messaging.PubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	return &pubsub{
		publisher:     publisher{client: redis.NewClient(opts)},
		logger:        logger,
		subscriptions: make(map[string]map[string]subscription),
	}, nil
}

func (ps *pubsub) Subscribe(ctx context.Context, cfg messaging.SubscriberConfig) error {
	if cfg.ID == "" {
		return ErrEmptyID
	}
	if cfg.Channel == "" {
		return ErrEmptyChannel
	}

	// Each Subscribe call allocates its own connection to the broker. The
	// connection is confirmed before the lock is taken so a slow broker
	// handshake never blocks unrelated subscriptions.
	rps := ps.client.Subscribe(ctx, cfg.Channel)
	if _, err := rps.Receive(ctx); err != nil {
		_ = rps.Close()
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Re-subscribing replaces the previous subscription; closing its
	// connection terminates the old consume loop.
	if s, ok := ps.subscriptions[cfg.Channel][cfg.ID]; ok {
		_ = s.ps.Close()
		_ = s.handler.Cancel()
	}
	if _, ok := ps.subscriptions[cfg.Channel]; !ok {
		ps.subscriptions[cfg.Channel] = make(map[string]subscription)
	}

	ps.subscriptions[cfg.Channel][cfg.ID] = subscription{ps: rps, handler: cfg.Handler}

	go ps.consume(rps, cfg.Handler)

	return nil
}

func (ps *pubsub) Unsubscribe(ctx context.Context, id, channel string) error {
	if id == "" {
		return ErrEmptyID
	}
	if channel == "" {
		return ErrEmptyChannel
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	subs, ok := ps.subscriptions[channel]
	if !ok {
		return ErrNotSubscribed
	}
	s, ok := subs[id]
	if !ok {
		return ErrNotSubscribed
	}

	// Closing the broker connection terminates the consume loop.
	if err := s.ps.Close(); err != nil {
		return err
	}
	if err := s.handler.Cancel(); err != nil {
		return err
	}

	delete(subs, id)
	if len(subs) == 0 {
		delete(ps.subscriptions, channel)
	}

	return nil
}

func (ps *pubsub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, subs := range ps.subscriptions {
		for _, s := range subs {
			if err := s.ps.Close(); err != nil {
				return err
			}
		}
	}
	ps.subscriptions = make(map[string]map[string]subscription)

	return ps.client.Close()
}

// consume runs until the subscription's connection is closed.
func (ps *pubsub) consume(rps *redis.PubSub, handler messaging.MessageHandler) {
	for m := range rps.Channel() {
		var msg messaging.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			ps.logger.Warn(fmt.Sprintf("Failed to unmarshal received message: %s", err))

			continue
		}
		if err := handler.Handle(&msg); err != nil {
			ps.logger.Warn(fmt.Sprintf("Failed to handle fleetbus message: %s", err))
		}
	}
}
