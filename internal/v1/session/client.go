package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
)

// sendBufferSize bounds the per-session outbox. A session that falls this far
// behind the coordinator is dropped rather than allowed to stall broadcasts.
const sendBufferSize = 256

// writeWait is the deadline applied to each transport write.
const writeWait = 10 * time.Second

// wsConnection defines the interface for transport operations. In production
// it is satisfied by *websocket.Conn or by the long-poll adapter (pollConn);
// tests substitute mock implementations to simulate errors and disconnects.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// staleChecker is optionally implemented by transports whose liveness cannot
// be inferred from the TCP stream alone (long-poll). A stale transport is
// eligible for reaping when a duplicate session tries to join.
type staleChecker interface {
	Stale() bool
}

// Client represents a single session: one transport connection plus its
// identity within at most one room. All room-side state (host flag, joinedAt)
// lives in the room's member table; the Client only carries what the gateway
// needs to pump messages.
type Client struct {
	conn        wsConnection
	hub         *Hub
	ID          SessionIdType
	DisplayName DisplayNameType
	ConnectedAt time.Time

	mu        sync.RWMutex
	room      *Room // set once on the first successful join
	closed    bool
	closeOnce sync.Once

	send chan []byte // bounded outbox drained by writePump
}

func newClient(hub *Hub, conn wsConnection, id SessionIdType) *Client {
	return &Client{
		conn:        conn,
		hub:         hub,
		ID:          id,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, sendBufferSize),
	}
}

// getRoom returns the room this session joined, or nil.
func (c *Client) getRoom() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// setRoom binds the session to its room. A session joins at most one room
// for its lifetime, so the first write wins.
func (c *Client) setRoom(r *Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != nil {
		return false
	}
	c.room = r
	return true
}

func (c *Client) setDisplayName(name DisplayNameType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisplayName = name
}

func (c *Client) getDisplayName() DisplayNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DisplayName
}

// isClosed reports whether Disconnect has run.
func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// isAlive reports whether the transport can still deliver events. Used by the
// duplicate-session check to reap dead bindings before rejecting a rejoin.
func (c *Client) isAlive() bool {
	if c.isClosed() {
		return false
	}
	if sc, ok := c.conn.(staleChecker); ok && sc.Stale() {
		return false
	}
	return true
}

// Disconnect closes the session's outbox, which drains the writePump and
// closes the transport. Safe to call from any goroutine, repeatedly.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// sendEvent marshals and enqueues one event for this session.
func (c *Client) sendEvent(event Event, payload any) {
	data, err := encodeMessage(event, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound event",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.sendRaw(data)
}

// sendRaw enqueues a pre-serialized event. The outbox is bounded: if it is
// full the session is dropped, never blocked on, so one slow reader cannot
// stall a room broadcast.
func (c *Client) sendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// Disconnect can close the channel between the check above and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing session",
				zap.String("sessionId", string(c.ID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Session outbox full, dropping session",
			zap.String("sessionId", string(c.ID)))
		metrics.GatewayEvents.WithLabelValues("outbound", "dropped").Inc()
		c.Disconnect()
	}
}

// sendError surfaces a problem to this session without closing it.
func (c *Client) sendError(message string) {
	c.sendEvent(EventError, ErrorPayload{Message: message})
}

// readPump continuously reads events from the transport, decodes the JSON
// envelope, and hands each message to the hub router. It runs in its own
// goroutine; when the transport errors or closes, it signals the coordinator
// so membership cleanup and host succession run exactly once.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClientDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to unmarshal inbound event",
				zap.String("sessionId", string(c.ID)), zap.Error(err))
			metrics.GatewayEvents.WithLabelValues("unknown", "error").Inc()
			continue
		}
		if msg.Event == "" {
			continue
		}

		c.hub.route(c, &msg)
	}
}

// writePump drains the outbox to the transport. It owns all writes to the
// connection; closing the send channel flushes remaining events, sends a
// close frame, and releases the connection.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("sessionId", string(c.ID)), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
