// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package mocks

import (
	"context"
	"sync"

	"github.com/fleetbus/fleetbus/pkg/messaging"
)

var _ messaging.PubSub = (*pubsub)(nil)

type subscription struct {
	id      string
	handler messaging.MessageHandler
}

// pubsub is an in-process fanout used in place of the Redis relay.
type pubsub struct {
	mu            sync.Mutex
	subscriptions map[string][]subscription
	fail          error
}

// NewPubSub returns an in-memory message publisher/subscriber.
func NewPubSub() messaging.PubSub {
	return &pubsub{subscriptions: make(map[string][]subscription)}
}

// NewFailingPubSub returns a pubsub whose every operation fails with err.
func NewFailingPubSub(err error) messaging.PubSub {
	return &pubsub{subscriptions: make(map[string][]subscription), fail: err}
}

func (ps *pubsub) Publish(_ context.Context, channel string, msg *messaging.Message) error {
	if ps.fail != nil {
		return ps.fail
	}

	ps.mu.Lock()
	subs := append([]subscription(nil), ps.subscriptions[channel]...)
	ps.mu.Unlock()

	msg.Channel = channel
	for _, s := range subs {
		if err := s.handler.Handle(msg); err != nil {
			return err
		}
	}

	return nil
}

func (ps *pubsub) Subscribe(_ context.Context, cfg messaging.SubscriberConfig) error {
	if ps.fail != nil {
		return ps.fail
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.subscriptions[cfg.Channel] = append(ps.subscriptions[cfg.Channel], subscription{id: cfg.ID, handler: cfg.Handler})

	return nil
}

func (ps *pubsub) Unsubscribe(_ context.Context, id, channel string) error {
	if ps.fail != nil {
		return ps.fail
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	subs := ps.subscriptions[channel]
	for i, s := range subs {
		if s.id == id {
			if err := s.handler.Cancel(); err != nil {
				return err
			}
			ps.subscriptions[channel] = append(subs[:i], subs[i+1:]...)
			if len(ps.subscriptions[channel]) == 0 {
				delete(ps.subscriptions, channel)
			}
			return nil
		}
	}

	return nil
}

func (ps *pubsub) Close() error {
	return nil
}
