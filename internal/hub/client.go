// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/models"
)

// ClientState tracks the connection lifecycle. Transitions only move
// forward: Connecting -> Open -> Closing -> Closed.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	defaultWriteWait = 10 * time.Second
	maxMessageSize   = 64 * 1024
	flushTimeout     = 5 * time.Second
)

// Envelope types that exist only on the client protocol, never broadcast.
const (
	envelopePong  = models.EventType("pong")
	envelopeError = models.EventType("error")
)

// ClientMessage is the inbound protocol: subscribe, unsubscribe,
// set_filter, clear_filter, ping.
type ClientMessage struct {
	Type       string                     `json:"type"`
	EventTypes []models.EventType         `json:"event_types,omitempty"`
	Filter     *models.SubscriptionFilter `json:"filter,omitempty"`
}

// Client is one WebSocket connection. The hub never writes to the socket
// directly; envelopes go through the bounded send buffer and writePump.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send chan *models.Envelope
	done chan struct{}

	state       atomic.Int32
	missedPongs atomic.Int32
	dropped     atomic.Uint64
	closeOnce   sync.Once

	subMu sync.RWMutex
	sub   models.Subscription
}

func newClient(h *Hub, id string, conn *websocket.Conn) *Client {
	c := &Client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan *models.Envelope, h.cfg.ClientBuffer),
		done: make(chan struct{}),
		sub: models.Subscription{
			ClientID:   id,
			EventTypes: make(map[models.EventType]bool),
		},
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the client identifier used for registry bookkeeping.
func (c *Client) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Dropped returns how many envelopes this client's buffer overflow shed.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// allows evaluates the subscription against one envelope.
func (c *Client) allows(env *models.Envelope, category, source string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.sub.Allows(env, category, source)
}

// enqueue hands an envelope to the client's writer. When the buffer is
// full the oldest buffered envelope is shed so the newest data wins;
// slow consumers degrade, they never stall the hub.
func (c *Client) enqueue(env *models.Envelope) {
	if c.State() != StateOpen {
		return
	}
	for {
		select {
		case <-c.done:
			return
		case c.send <- env:
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
			metrics.MessagesDropped.Inc()
		default:
		}
	}
}

// beginClose moves the client to Closing exactly once. The writePump
// notices via done, flushes what it can, and finishes the close.
func (c *Client) beginClose(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		logging.Debug().
			Str("client_id", c.id).
			Str("reason", reason).
			Msg("websocket client closing")
		close(c.done)
	})
}

// readPump consumes client protocol messages until the connection drops
// or the client is told to close.
func (c *Client) readPump() {
	defer func() {
		c.beginClose("read loop ended")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	deadline := c.hub.cfg.PingInterval * time.Duration(c.hub.cfg.MaxMissedPongs+1)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("client_id", c.id).Msg("websocket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		if reply := c.dispatch(&msg); reply != nil {
			c.enqueue(reply)
		}
	}
}

// writePump owns all socket writes: envelopes, pings, and the close
// frame. On Closing it flushes the remaining buffer under flushTimeout.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.flushAndClose()
	}()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if !c.writeEnvelope(env) {
				c.beginClose("write failed")
				return
			}
		case <-ticker.C:
			if int(c.missedPongs.Add(1)) > c.hub.cfg.MaxMissedPongs {
				c.beginClose("missed pongs")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.beginClose("ping failed")
				return
			}
		}
	}
}

func (c *Client) writeWait() time.Duration {
	if d := c.hub.cfg.WriteTimeout; d > 0 {
		return d
	}
	return defaultWriteWait
}

func (c *Client) writeEnvelope(env *models.Envelope) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
	if err := c.conn.WriteJSON(env); err != nil {
		logging.Debug().Err(err).Str("client_id", c.id).Msg("websocket write failed")
		return false
	}
	metrics.MessagesSent.WithLabelValues(string(env.Type)).Inc()
	return true
}

// flushAndClose drains buffered envelopes within flushTimeout, sends a
// close frame, and completes the Closing -> Closed transition.
func (c *Client) flushAndClose() {
	deadline := time.Now().Add(flushTimeout)
drain:
	for time.Now().Before(deadline) {
		select {
		case env := <-c.send:
			if !c.writeEnvelope(env) {
				break drain
			}
		default:
			break drain
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
	c.state.Store(int32(StateClosed))
	c.hub.unregister(c)
}

// clientHandlers dispatches inbound messages by type. All operations are
// idempotent; resending the same subscribe or filter is a no-op.
var clientHandlers = map[string]func(*Client, *ClientMessage) *models.Envelope{
	"subscribe":    (*Client).handleSubscribe,
	"unsubscribe":  (*Client).handleUnsubscribe,
	"set_filter":   (*Client).handleSetFilter,
	"clear_filter": (*Client).handleClearFilter,
	"ping":         (*Client).handlePing,
}

func (c *Client) dispatch(msg *ClientMessage) *models.Envelope {
	handler, ok := clientHandlers[msg.Type]
	if !ok {
		return &models.Envelope{
			Type:      envelopeError,
			Data:      map[string]string{"error": "unknown message type: " + msg.Type},
			Timestamp: time.Now().UTC(),
		}
	}
	return handler(c, msg)
}

func (c *Client) handleSubscribe(msg *ClientMessage) *models.Envelope {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, et := range msg.EventTypes {
		if !models.ValidEventType(et) {
			return &models.Envelope{
				Type:      envelopeError,
				Data:      map[string]string{"error": "unknown event type: " + string(et)},
				Timestamp: time.Now().UTC(),
			}
		}
	}
	for _, et := range msg.EventTypes {
		c.sub.EventTypes[et] = true
	}
	return nil
}

func (c *Client) handleUnsubscribe(msg *ClientMessage) *models.Envelope {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(msg.EventTypes) == 0 {
		c.sub.EventTypes = make(map[models.EventType]bool)
		return nil
	}
	for _, et := range msg.EventTypes {
		delete(c.sub.EventTypes, et)
	}
	return nil
}

func (c *Client) handleSetFilter(msg *ClientMessage) *models.Envelope {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.sub.Filter = msg.Filter
	return nil
}

func (c *Client) handleClearFilter(_ *ClientMessage) *models.Envelope {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.sub.Filter = nil
	return nil
}

func (c *Client) handlePing(_ *ClientMessage) *models.Envelope {
	return &models.Envelope{
		Type:      envelopePong,
		Timestamp: time.Now().UTC(),
	}
}

// Snapshot returns a copy of the client's subscription for inspection.
func (c *Client) Snapshot() models.Subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := models.Subscription{
		ClientID:   c.sub.ClientID,
		EventTypes: make(map[models.EventType]bool, len(c.sub.EventTypes)),
	}
	for et := range c.sub.EventTypes {
		out.EventTypes[et] = true
	}
	if c.sub.Filter != nil {
		f := *c.sub.Filter
		out.Filter = &f
	}
	return out
}
