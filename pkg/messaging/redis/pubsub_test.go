// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fleetbus/fleetbus/pkg/messaging"
	pubsub "github.com/fleetbus/fleetbus/pkg/messaging/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deviceChannel = "device:9b7b1b3f-b1b0-46a8-a717-b8213f9eda3b:control"
	otherChannel  = "device:c3f4c0d0-11bb-44d2-9d2c-8c4a87e2f38a:control"
	subID         = "sub-1"
)

var data = []byte(`{"type":"command_queued"}`)

type handler struct {
	msgs     chan *messaging.Message
	canceled chan struct{}
}

func newHandler() handler {
	return handler{
		msgs:     make(chan *messaging.Message, 10),
		canceled: make(chan struct{}, 1),
	}
}

func (h handler) Handle(msg *messaging.Message) error {
	h.msgs <- msg
	return nil
}

func (h handler) Cancel() error {
	h.canceled <- struct{}{}
	return nil
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()

	h := newHandler()
	err := relay.Subscribe(ctx, messaging.SubscriberConfig{ID: subID, Channel: deviceChannel, Handler: h})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	other := newHandler()
	err = relay.Subscribe(ctx, messaging.SubscriberConfig{ID: subID, Channel: otherChannel, Handler: other})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	err = relay.Publish(ctx, deviceChannel, &messaging.Message{Payload: data})
	assert.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	select {
	case msg := <-h.msgs:
		assert.Equal(t, deviceChannel, msg.Channel, fmt.Sprintf("expected channel %s got %s", deviceChannel, msg.Channel))
		assert.Equal(t, data, msg.Payload, fmt.Sprintf("expected payload %s got %s", data, msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published message")
	}

	// The other device's subscriber must not see the message.
	select {
	case msg := <-other.msgs:
		t.Fatalf("message leaked to unrelated channel: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	channel := "device:f7f2f9a1-3ac4-4f0a-9e6a-0d5a3e6f1b2c:updates"

	h := newHandler()
	err := relay.Subscribe(ctx, messaging.SubscriberConfig{ID: "sub-pub", Channel: channel, Handler: h})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	// A standalone publisher holds its own connection, independent of any
	// subscriber.
	pub, err := pubsub.NewPublisher(address)
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))
	defer pub.Close()

	err = pub.Publish(ctx, "", &messaging.Message{Payload: data})
	assert.Equal(t, pubsub.ErrEmptyChannel, err, fmt.Sprintf("expected %v got %v", pubsub.ErrEmptyChannel, err))

	err = pub.Publish(ctx, channel, &messaging.Message{Payload: data})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	select {
	case msg := <-h.msgs:
		assert.Equal(t, channel, msg.Channel, fmt.Sprintf("expected channel %s got %s", channel, msg.Channel))
		assert.Equal(t, data, msg.Payload, fmt.Sprintf("expected payload %s got %s", data, msg.Payload))
		assert.NotZero(t, msg.Created, "expected publish timestamp to be stamped")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestResubscribe(t *testing.T) {
	ctx := context.Background()

	old := newHandler()
	err := relay.Subscribe(ctx, messaging.SubscriberConfig{ID: "sub-replace", Channel: deviceChannel, Handler: old})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	// Subscribing again under the same id replaces the old subscription and
	// cancels its handler.
	fresh := newHandler()
	err = relay.Subscribe(ctx, messaging.SubscriberConfig{ID: "sub-replace", Channel: deviceChannel, Handler: fresh})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	select {
	case <-old.canceled:
	case <-time.After(time.Second):
		t.Fatal("old handler was not canceled on resubscribe")
	}

	err = relay.Publish(ctx, deviceChannel, &messaging.Message{Payload: data})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	select {
	case msg := <-fresh.msgs:
		assert.Equal(t, data, msg.Payload, fmt.Sprintf("expected payload %s got %s", data, msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
	select {
	case msg := <-old.msgs:
		t.Fatalf("replaced subscription still receives messages: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}

	err = relay.Unsubscribe(ctx, "sub-replace", deviceChannel)
	assert.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc    string
		id      string
		channel string
		err     error
	}{
		{"subscribe with empty id", "", deviceChannel, pubsub.ErrEmptyID},
		{"subscribe with empty channel", subID, "", pubsub.ErrEmptyChannel},
		{"subscribe with valid config", "sub-validation", deviceChannel, nil},
	}

	for _, tc := range cases {
		err := relay.Subscribe(ctx, messaging.SubscriberConfig{ID: tc.id, Channel: tc.channel, Handler: newHandler()})
		assert.Equal(t, tc.err, err, fmt.Sprintf("%s: expected %v got %v", tc.desc, tc.err, err))
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()

	h := newHandler()
	err := relay.Subscribe(ctx, messaging.SubscriberConfig{ID: "sub-unsub", Channel: deviceChannel, Handler: h})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))

	cases := []struct {
		desc    string
		id      string
		channel string
		err     error
	}{
		{"unsubscribe active subscription", "sub-unsub", deviceChannel, nil},
		{"unsubscribe twice", "sub-unsub", deviceChannel, pubsub.ErrNotSubscribed},
		{"unsubscribe unknown id", "ghost", deviceChannel, pubsub.ErrNotSubscribed},
		{"unsubscribe with empty id", "", deviceChannel, pubsub.ErrEmptyID},
		{"unsubscribe with empty channel", "sub-unsub", "", pubsub.ErrEmptyChannel},
	}

	for _, tc := range cases {
		err := relay.Unsubscribe(ctx, tc.id, tc.channel)
		assert.Equal(t, tc.err, err, fmt.Sprintf("%s: expected %v got %v", tc.desc, tc.err, err))
	}

	select {
	case <-h.canceled:
	case <-time.After(time.Second):
		t.Fatal("handler was not canceled on unsubscribe")
	}

	// No further delivery after unsubscribe.
	err = relay.Publish(ctx, deviceChannel, &messaging.Message{Payload: data})
	require.Nil(t, err, fmt.Sprintf("got unexpected error: %s", err))
	select {
	case msg := <-h.msgs:
		t.Fatalf("received message after unsubscribe: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}
