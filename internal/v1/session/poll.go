package session

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
)

// Long-poll is the fallback transport for clients that cannot hold a
// WebSocket (restrictive proxies, some corporate networks). A poll session is
// a normal gateway session: the pollConn adapter satisfies wsConnection, so
// the same pumps, outbox bounds, and room protocol apply unchanged.
const (
	// pollWait is the longest a drain request blocks waiting for events.
	pollWait = 25 * time.Second

	// pollIdleTimeout reaps sessions whose client stopped polling.
	pollIdleTimeout = 60 * time.Second

	// pollOutboundBuffer holds events between drains, downstream of the
	// session outbox. Overflow surfaces as a write error, dropping the
	// session like any other stalled transport.
	pollOutboundBuffer = 64

	// pollInboundBuffer smooths bursts of submitted events.
	pollInboundBuffer = 16

	// maxPollEventBytes caps one submitted event.
	maxPollEventBytes = 64 * 1024
)

var errPollClosed = errors.New("poll session closed")
var errPollBackpressure = errors.New("poll outbound buffer full")

// pollConn adapts the long-poll HTTP handlers to the wsConnection interface
// consumed by the session pumps.
type pollConn struct {
	inbound   chan []byte
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	lastPoll  atomic.Int64 // unix nanos of the most recent drain or submit
}

func newPollConn() *pollConn {
	p := &pollConn{
		inbound:  make(chan []byte, pollInboundBuffer),
		outbound: make(chan []byte, pollOutboundBuffer),
		done:     make(chan struct{}),
	}
	p.touch()
	return p
}

func (p *pollConn) touch() {
	p.lastPoll.Store(time.Now().UnixNano())
}

// Stale reports whether the client stopped polling long enough ago to treat
// the transport as dead.
func (p *pollConn) Stale() bool {
	last := time.Unix(0, p.lastPoll.Load())
	return time.Since(last) > pollIdleTimeout
}

// ReadMessage blocks until the client submits an event or the session closes.
func (p *pollConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.inbound:
		return websocket.TextMessage, data, nil
	case <-p.done:
		return 0, nil, errPollClosed
	}
}

// WriteMessage parks an event for the next drain. The buffer is bounded: a
// client that stopped draining gets an error here, which ends its pumps.
func (p *pollConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.CloseMessage {
		return nil
	}
	select {
	case <-p.done:
		return errPollClosed
	default:
	}
	select {
	case p.outbound <- data:
		return nil
	case <-p.done:
		return errPollClosed
	default:
		return errPollBackpressure
	}
}

func (p *pollConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// SetWriteDeadline is a no-op; delivery deadlines are the drain timeout.
func (p *pollConn) SetWriteDeadline(time.Time) error {
	return nil
}

// pollSession pairs a gateway session with its poll adapter and the watchdog
// that reaps it when the client stops polling.
type pollSession struct {
	client   *Client
	conn     *pollConn
	watchdog *time.Timer
}

func (ps *pollSession) keepAlive() {
	ps.conn.touch()
	ps.watchdog.Reset(pollIdleTimeout)
}

// ServePollOpen creates a long-poll session and returns its id. The client
// submits events with POST /poll/:sessionId and drains with GET.
func (h *Hub) ServePollOpen(c *gin.Context) {
	conn := newPollConn()
	client := newClient(h, conn, SessionIdType(uuid.NewString()))

	ps := &pollSession{
		client: client,
		conn:   conn,
		watchdog: time.AfterFunc(pollIdleTimeout, func() {
			logging.Info(c.Request.Context(), "Reaping idle poll session",
				zap.String("sessionId", string(client.ID)))
			client.Disconnect()
		}),
	}

	h.pollMu.Lock()
	h.polls[client.ID] = ps
	h.pollMu.Unlock()

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()

	logging.Info(c.Request.Context(), "Long-poll session accepted",
		zap.String("sessionId", string(client.ID)))
	c.JSON(http.StatusCreated, gin.H{"sessionId": string(client.ID)})
}

// ServePollSend accepts one JSON event envelope for the session.
func (h *Hub) ServePollSend(c *gin.Context) {
	ps, ok := h.lookupPoll(c.Param("sessionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPollEventBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a single event envelope"})
		return
	}

	ps.keepAlive()
	select {
	case ps.conn.inbound <- body:
		c.Status(http.StatusAccepted)
	case <-ps.conn.done:
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
	case <-c.Request.Context().Done():
	}
}

// ServePollEvents drains the session's pending events, blocking up to
// pollWait for the first one. An empty array means the poll timed out and the
// client should poll again.
func (h *Hub) ServePollEvents(c *gin.Context) {
	ps, ok := h.lookupPoll(c.Param("sessionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	ps.keepAlive()

	events := make([]json.RawMessage, 0, 8)
	timeout := time.NewTimer(pollWait)
	defer timeout.Stop()

	select {
	case data := <-ps.conn.outbound:
		events = append(events, data)
		// Batch everything else already queued.
	drain:
		for {
			select {
			case more := <-ps.conn.outbound:
				events = append(events, more)
			default:
				break drain
			}
		}
	case <-timeout.C:
	case <-ps.conn.done:
		if len(events) == 0 {
			c.JSON(http.StatusGone, gin.H{"error": "session closed"})
			return
		}
	case <-c.Request.Context().Done():
		return
	}

	ps.keepAlive()
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ServePollClose ends the session. Room cleanup and host succession follow
// the same path as a WebSocket drop.
func (h *Hub) ServePollClose(c *gin.Context) {
	ps, ok := h.lookupPoll(c.Param("sessionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	ps.client.Disconnect()
	c.Status(http.StatusNoContent)
}

func (h *Hub) lookupPoll(sessionId string) (*pollSession, bool) {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	ps, ok := h.polls[SessionIdType(sessionId)]
	return ps, ok
}

func (h *Hub) unregisterPoll(id SessionIdType) {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	if ps, ok := h.polls[id]; ok {
		ps.watchdog.Stop()
		delete(h.polls, id)
	}
}
