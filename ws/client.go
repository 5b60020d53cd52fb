// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"sync"
	"time"

	"github.com/fleetbus/fleetbus/pkg/messaging"
	"github.com/gorilla/websocket"
)

// Kind discriminates session types.
type Kind string

const (
	KindDevice   Kind = "device"
	KindCustomer Kind = "customer"
)

const writeWait = 10 * time.Second

var _ messaging.MessageHandler = (*Client)(nil)

// Client is a live bidirectional session. The registry owns it for its
// lifetime; the underlying socket is closed only through Close so
// bookkeeping stays consistent.
type Client struct {
	id        string
	kind      Kind
	subjectID string
	conn      *websocket.Conn

	// writeMu serializes writes, the websocket allows a single writer.
	writeMu sync.Mutex

	mu          sync.Mutex
	channels    []string
	lastPong    time.Time
	connectedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewClient returns a session bound to an authenticated subject.
func NewClient(id string, kind Kind, subjectID string, conn *websocket.Conn) *Client {
	c := &Client{
		id:          id,
		kind:        kind,
		subjectID:   subjectID,
		conn:        conn,
		connectedAt: time.Now(),
	}
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Kind() Kind {
	return c.kind
}

func (c *Client) SubjectID() string {
	return c.subjectID
}

// AddChannel records a fanout subscription owned by this session so it can
// be released on teardown.
func (c *Client) AddChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channel)
}

// Channels returns the fanout channels this session is subscribed to.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

// Send delivers a raw message over the socket.
func (c *Client) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Handle forwards a fanout message to the session peer.
func (c *Client) Handle(msg *messaging.Message) error {
	return c.Send(msg.Payload)
}

// Cancel implements messaging.MessageHandler. The socket outlives individual
// subscriptions, closing happens through the registry.
func (c *Client) Cancel() error {
	return nil
}

// Ping probes the peer at transport level. A live peer answers with a pong
// which resets the liveness clock.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Touch records application-level proof of liveness. Heartbeat messages
// count the same as transport pongs, so a peer behind an intermediary that
// filters control frames is not evicted while demonstrably alive.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// LastSeen reports the last proof of peer liveness.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPong.IsZero() {
		return c.connectedAt
	}
	return c.lastPong
}

// CloseWithCode sends a close frame with the given code before closing the
// socket.
func (c *Client) CloseWithCode(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()

	return c.Close()
}

// Close closes the underlying socket. It is safe to call repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}
