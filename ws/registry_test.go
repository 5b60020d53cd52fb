// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package ws_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbus/fleetbus/pkg/errors"
	fleetbuslog "github.com/fleetbus/fleetbus/pkg/logger"
	"github.com/fleetbus/fleetbus/pkg/messaging"
	"github.com/fleetbus/fleetbus/pkg/messaging/mocks"
	"github.com/fleetbus/fleetbus/ws"
)

// recordingPubSub wraps the in-memory pubsub and records every unsubscribe
// so tests can assert subscriptions are released exactly once.
type recordingPubSub struct {
	messaging.PubSub

	mu     sync.Mutex
	unsubs []string
}

func (r *recordingPubSub) Unsubscribe(ctx context.Context, id, channel string) error {
	r.mu.Lock()
	r.unsubs = append(r.unsubs, id+":"+channel)
	r.mu.Unlock()

	return r.PubSub.Unsubscribe(ctx, id, channel)
}

func (r *recordingPubSub) released(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, u := range r.unsubs {
		if u == key {
			n++
		}
	}
	return n
}

// connPair returns both ends of a live websocket connection.
func connPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.Nil(t, err)
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return <-serverSide, clientConn
}

func newRegistry(t *testing.T) (*ws.Registry, *recordingPubSub) {
	t.Helper()

	logger, err := fleetbuslog.New(io.Discard, "debug")
	require.Nil(t, err)

	pubsub := &recordingPubSub{PubSub: mocks.NewPubSub()}

	return ws.NewRegistry(pubsub, logger), pubsub
}

func TestRegistryAddRemove(t *testing.T) {
	reg, pubsub := newRegistry(t)

	serverConn, _ := connPair(t)
	client := ws.NewClient("conn-1", ws.KindDevice, "device-1", serverConn)
	client.AddChannel("device:device-1:control")

	reg.Add(client)
	assert.Equal(t, 1, reg.Count())

	reg.Remove("conn-1")
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 1, pubsub.released("conn-1:device:device-1:control"))

	// Second removal is a no-op and must not release anything again.
	reg.Remove("conn-1")
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 1, pubsub.released("conn-1:device:device-1:control"))
}

func TestRegistryAddEvictsPrevious(t *testing.T) {
	reg, pubsub := newRegistry(t)

	firstServer, firstClient := connPair(t)
	first := ws.NewClient("conn-1", ws.KindDevice, "device-1", firstServer)
	first.AddChannel("device:device-1:control")
	reg.Add(first)

	secondServer, _ := connPair(t)
	second := ws.NewClient("conn-1", ws.KindDevice, "device-1", secondServer)
	reg.Add(second)

	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, 1, pubsub.released("conn-1:device:device-1:control"))

	// The evicted socket is closed: its peer sees the connection drop.
	_ = firstClient.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := firstClient.ReadMessage()
	assert.NotNil(t, err)
}

func TestRegistrySend(t *testing.T) {
	reg, _ := newRegistry(t)

	serverConn, clientConn := connPair(t)
	reg.Add(ws.NewClient("conn-1", ws.KindDevice, "device-1", serverConn))

	err := reg.Send("conn-1", []byte("payload"))
	assert.Nil(t, err)

	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := clientConn.ReadMessage()
	require.Nil(t, err)
	assert.Equal(t, "payload", string(payload))

	err = reg.Send("unknown", []byte("payload"))
	assert.True(t, errors.Contains(err, ws.ErrConnNotFound), "expected connection not found")
}

func TestRegistryBroadcast(t *testing.T) {
	reg, _ := newRegistry(t)

	aliveServer, aliveClient := connPair(t)
	reg.Add(ws.NewClient("conn-alive", ws.KindCustomer, "customer-1", aliveServer))

	deadServer, _ := connPair(t)
	dead := ws.NewClient("conn-dead", ws.KindCustomer, "customer-2", deadServer)
	reg.Add(dead)
	require.Nil(t, dead.Close())

	reg.Broadcast([]byte("announcement"))

	_ = aliveClient.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := aliveClient.ReadMessage()
	require.Nil(t, err)
	assert.Equal(t, "announcement", string(payload))

	// The dead socket gets scheduled for removal without aborting delivery.
	assert.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRegistryHeartbeatEviction(t *testing.T) {
	reg, pubsub := newRegistry(t)

	serverConn, _ := connPair(t)
	client := ws.NewClient("conn-1", ws.KindDevice, "device-1", serverConn)
	client.AddChannel("device:device-1:control")
	reg.Add(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := newManualTicker()
	done := make(chan struct{})
	go func() {
		reg.StartHeartbeat(ctx, tick, 10*time.Millisecond)
		close(done)
	}()

	// Let the liveness window lapse with no pong, then force a probe.
	time.Sleep(30 * time.Millisecond)
	tick.fire()

	assert.Eventually(t, func() bool { return reg.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return pubsub.released("conn-1:device:device-1:control") == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop on context cancellation")
	}
}

func TestRegistryHeartbeatTouch(t *testing.T) {
	reg, _ := newRegistry(t)

	serverConn, _ := connPair(t)
	client := ws.NewClient("conn-1", ws.KindDevice, "device-1", serverConn)
	reg.Add(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := newManualTicker()
	done := make(chan struct{})
	go func() {
		reg.StartHeartbeat(ctx, tick, 10*time.Millisecond)
		close(done)
	}()

	// An application heartbeat refreshes the liveness clock, so the probe
	// that follows must not evict the session even though no pong arrived.
	time.Sleep(30 * time.Millisecond)
	client.Touch()
	tick.fire()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reg.Count(), "session evicted despite fresh application heartbeat")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop on context cancellation")
	}
}

func TestRegistryCleanup(t *testing.T) {
	reg, pubsub := newRegistry(t)

	for _, id := range []string{"conn-1", "conn-2"} {
		serverConn, _ := connPair(t)
		client := ws.NewClient(id, ws.KindDevice, "device-"+id, serverConn)
		client.AddChannel("device:device-" + id + ":control")
		reg.Add(client)
	}
	require.Equal(t, 2, reg.Count())

	reg.Cleanup()

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 1, pubsub.released("conn-1:device:device-conn-1:control"))
	assert.Equal(t, 1, pubsub.released("conn-2:device:device-conn-2:control"))
}

type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (t *manualTicker) Tick() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {}

func (t *manualTicker) fire() { t.ch <- time.Now() }
