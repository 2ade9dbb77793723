package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/bus"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

// defaultPostConnectDelay is how long a brand-new transport must settle
// before its join mutates room state. Reconnect storms from flapping browsers
// arrive as bursts of connect+join; the pause collapses them.
const defaultPostConnectDelay = 1 * time.Second

// JoinLimiter gates join attempts per session. Implemented by
// ratelimit.RateLimiter in production; nil disables the gate.
type JoinLimiter interface {
	AllowJoin(ctx context.Context, sessionID string) bool
}

// Hub accepts transports, mints sessions, and routes every inbound event to
// the owning room actor. It is the only component that creates or removes
// rooms; rooms themselves never touch the registry.
type Hub struct {
	rooms               map[RoomIdType]*Room
	mu                  sync.Mutex
	pendingRoomCleanups map[RoomIdType]*time.Timer

	store          store.Store
	bus            *bus.Service
	limiter        JoinLimiter
	allowedOrigins []string

	polls  map[SessionIdType]*pollSession
	pollMu sync.Mutex

	// Tunable for tests; production uses the defaults.
	cleanupGracePeriod time.Duration
	postConnectDelay   time.Duration
	joinStateDelay     time.Duration
	syncInterval       time.Duration
}

// NewHub wires the coordinator's dependencies. The store must be non-nil (use
// store.NewMemoryStore when no DSN is configured); bus and limiter may be nil
// for single-instance, unthrottled operation.
func NewHub(st store.Store, busService *bus.Service, limiter JoinLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		rooms:               make(map[RoomIdType]*Room),
		pendingRoomCleanups: make(map[RoomIdType]*time.Timer),
		store:               st,
		bus:                 busService,
		limiter:             limiter,
		allowedOrigins:      allowedOrigins,
		polls:               make(map[SessionIdType]*pollSession),
		cleanupGracePeriod:  5 * time.Second,
		postConnectDelay:    defaultPostConnectDelay,
		joinStateDelay:      defaultJoinStateDelay,
		syncInterval:        defaultSyncInterval,
	}
}

// ServeWs upgrades an HTTP request to a WebSocket session. The session holds
// no room membership until its first join-room event.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any {
				// Pre-allocate 4KB buffers
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(h, conn, SessionIdType(uuid.NewString()))
	metrics.IncConnection()

	logging.Info(c.Request.Context(), "WebSocket session accepted",
		zap.String("sessionId", string(client.ID)))

	go client.writePump()
	go client.readPump()
}

// checkOrigin admits browser requests only from configured origins.
// Non-browser clients (no Origin header) are always admitted.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// route dispatches one inbound event from a session. join-room is handled at
// the hub because the session has no room yet; everything else goes to the
// session's room queue.
func (h *Hub) route(c *Client, msg *Message) {
	if msg.Event == EventJoinRoom {
		h.handleJoin(c, msg.Payload)
		return
	}

	room := c.getRoom()
	if room == nil {
		switch msg.Event {
		case EventChatMessage:
			// Chatting without joining gets a nudge but keeps the transport.
			c.sendError(ErrMsgNotInRoom)
			metrics.GatewayEvents.WithLabelValues(string(msg.Event), "rejected").Inc()
		default:
			// Host and sync events from roomless sessions reveal nothing.
			metrics.GatewayEvents.WithLabelValues(string(msg.Event), "ignored").Inc()
		}
		return
	}

	if !room.enqueueMessage(c, msg) {
		// The room wound down under this session; only happens at shutdown.
		c.Disconnect()
	}
}

// handleJoin vets a join-room request before it reaches a room actor:
// payload validation, the per-session rate limit, single-room enforcement,
// and the post-connect settling delay. The delay runs on the session's own
// read goroutine, so it never stalls any room.
func (h *Hub) handleJoin(c *Client, raw json.RawMessage) {
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(c.ID))

	var p JoinRoomPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.Validate() != nil {
		c.sendError(ErrMsgInvalidJoin)
		metrics.GatewayEvents.WithLabelValues(string(EventJoinRoom), "rejected").Inc()
		return
	}

	// Every attempt counts against the limit, successful or not.
	if h.limiter != nil && !h.limiter.AllowJoin(ctx, string(c.ID)) {
		logging.Warn(ctx, "Join rate limit exceeded", zap.String("roomId", p.RoomId))
		c.sendError(ErrMsgRateLimited)
		metrics.GatewayEvents.WithLabelValues(string(EventJoinRoom), "rejected").Inc()
		return
	}

	if current := c.getRoom(); current != nil {
		if current.ID == RoomIdType(p.RoomId) {
			// Rejoining the same room is a no-op.
			return
		}
		c.sendError(ErrMsgAlreadyInRoom)
		metrics.GatewayEvents.WithLabelValues(string(EventJoinRoom), "rejected").Inc()
		return
	}

	if wait := h.postConnectDelay - time.Since(c.ConnectedAt); wait > 0 {
		time.Sleep(wait)
	}

	// A second pass covers the race where the target room tore down between
	// lookup and enqueue.
	for range 2 {
		room := h.getOrCreateRoom(RoomIdType(p.RoomId))
		if room.enqueueJoin(c, p) {
			return
		}
	}
	logging.Warn(ctx, "Join dropped, room is shutting down", zap.String("roomId", p.RoomId))
}

// handleClientDisconnect runs when a session's read pump exits for any
// reason. It closes the outbox and tells the owning room, which handles
// membership cleanup and host succession on its own goroutine.
func (h *Hub) handleClientDisconnect(c *Client) {
	c.Disconnect()
	if room := c.getRoom(); room != nil {
		room.enqueueClosed(c)
	}
	h.unregisterPoll(c.ID)
}

// getOrCreateRoom retrieves the live actor for roomId, reviving pending
// cleanups and replacing stopped actors. Safe for concurrent use.
func (h *Hub) getOrCreateRoom(roomId RoomIdType) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomId]; ok {
		if !room.isStopped() {
			if timer, hasPendingCleanup := h.pendingRoomCleanups[roomId]; hasPendingCleanup {
				timer.Stop()
				delete(h.pendingRoomCleanups, roomId)
				logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection",
					zap.String("roomId", string(roomId)))
			}
			return room
		}
		delete(h.rooms, roomId)
		metrics.ActiveRooms.Dec()
	}

	logging.Info(context.Background(), "Creating new watch party room", zap.String("roomId", string(roomId)))
	room := NewRoom(roomId, h.store, h.bus, h.removeRoom)
	room.syncInterval = h.syncInterval
	room.joinStateDelay = h.joinStateDelay
	h.rooms[roomId] = room

	metrics.ActiveRooms.Inc()
	return room
}

// removeRoom runs when a room empties. It schedules the actual removal after
// a grace period so a page refresh does not destroy and recreate the room;
// any join during the grace cancels the cleanup.
func (h *Hub) removeRoom(roomId RoomIdType) {
	h.mu.Lock()

	if existingTimer, exists := h.pendingRoomCleanups[roomId]; exists {
		existingTimer.Stop()
		delete(h.pendingRoomCleanups, roomId)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		room, ok := h.rooms[roomId]
		if ok && room.MemberCount() == 0 {
			delete(h.rooms, roomId)
			delete(h.pendingRoomCleanups, roomId)
			room.stop()

			metrics.ActiveRooms.Dec()

			logging.Info(context.Background(), "Removed empty room from hub after grace period",
				zap.String("roomId", string(roomId)))
		} else {
			delete(h.pendingRoomCleanups, roomId)
			if ok {
				logging.Info(context.Background(), "Cancelled room cleanup - room is no longer empty",
					zap.String("roomId", string(roomId)))
			}
		}
	})

	h.pendingRoomCleanups[roomId] = timer
	h.mu.Unlock()
}

// RoomCount reports the number of registered room actors.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown stops every room actor and drops every poll session. Each room
// flushes its playback state before its loop exits, so by the time this
// returns all best-effort writes have completed or been reported.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all active rooms...")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
		metrics.ActiveRooms.Dec()
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.pollMu.Lock()
	polls := make([]*pollSession, 0, len(h.polls))
	for _, ps := range h.polls {
		polls = append(polls, ps)
	}
	h.pollMu.Unlock()
	for _, ps := range polls {
		ps.client.Disconnect()
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
