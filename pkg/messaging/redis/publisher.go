// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetbus/fleetbus/pkg/messaging"
	"github.com/redis/go-redis/v9"
)

var _ messaging.Publisher = (*publisher)(nil)

type publisher struct {
	client *redis.Client
}

// NewPublisher returns a Redis message publisher.
func NewPublisher(url string) (messaging.Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	return &publisher{client: redis.NewClient(opts)}, nil
}

func (pub *publisher) Publish(ctx context.Context, channel string, msg *messaging.Message) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	msg.Channel = channel
	if msg.Created == 0 {
		msg.Created = time.Now().UnixNano()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return pub.client.Publish(ctx, channel, data).Err()
}

func (pub *publisher) Close() error {
	return pub.client.Close()
}
