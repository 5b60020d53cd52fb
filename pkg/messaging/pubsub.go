// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package messaging defines the cross-process fanout contract. Server
// instances use it to share connection state: a command enqueued on one
// instance reaches the device attached to another through a published
// message on the device's channel. Delivery is fire-and-forget; reliability
// for commands lives in the command queue, not here.
package messaging

import "context"

// Message is a fanout payload scoped to a channel.
type Message struct {
	// Channel is the logical topic the message was published on.
	Channel string `json:"channel"`

	// Payload carries the raw JSON envelope forwarded to sessions.
	Payload []byte `json:"payload"`

	// Publisher identifies the process or session that published the message.
	Publisher string `json:"publisher,omitempty"`

	// Created is the publish time in Unix nanoseconds.
	Created int64 `json:"created"`
}

// Publisher specifies message publishing API.
type Publisher interface {
	// Publish publishes message on the channel.
	Publish(ctx context.Context, channel string, msg *Message) error

	// Close gracefully closes message publisher's connection.
	Close() error
}

// MessageHandler represents Message handler for Subscriber.
type MessageHandler interface {
	// Handle handles messages passed by underlying implementation.
	Handle(msg *Message) error

	// Cancel is used for cleanup during unsubscribing and it's optional.
	Cancel() error
}

// SubscriberConfig defines a single subscription. ID scopes the subscription
// to its owning session so that independent subscriptions on the same channel
// can be torn down separately.
type SubscriberConfig struct {
	ID      string
	Channel string
	Handler MessageHandler
}

// Subscriber specifies message subscription API.
type Subscriber interface {
	// Subscribe subscribes to the channel and consumes messages until
	// unsubscribed. Each subscription holds its own bus connection so a
	// blocking consumer never starves unrelated sessions.
	Subscribe(ctx context.Context, cfg SubscriberConfig) error

	// Unsubscribe stops consumption for the given subscription id and
	// channel. It is synchronous: when it returns no further messages are
	// delivered to the handler.
	Unsubscribe(ctx context.Context, id, channel string) error

	// Close gracefully closes message subscriber's connection.
	Close() error
}

// PubSub represents aggregation interface for publisher and subscriber.
type PubSub interface {
	Publisher
	Subscriber
}
