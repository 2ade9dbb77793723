// Package api serves the JSON control surface: room creation and lookup,
// chat history, and the service health summary. Realtime traffic goes over
// the gateway; everything here is plain request/response against the store.
package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

const (
	// roomCodeLength is the size of a shareable room code.
	roomCodeLength = 6

	// roomCodeAlphabet keeps codes easy to read out loud. Uppercase plus
	// digits, 36 symbols.
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// createAttempts bounds collision retries when minting a room code.
	createAttempts = 5

	// defaultMessageLimit matches the coordinator's join replay window.
	defaultMessageLimit = 50

	// maxMessageLimit bounds a single history query.
	maxMessageLimit = 500
)

// Handlers exposes the REST endpoints. Room records are shared with the
// coordinator: POST /api/rooms seeds the row the first joiner's room actor
// loads.
type Handlers struct {
	store       store.Store
	environment string
}

func NewHandlers(st store.Store, environment string) *Handlers {
	return &Handlers{store: st, environment: environment}
}

// HealthResponse is the GET /api/health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

// Health reports a coarse service summary for dashboards and smoke checks.
// Orchestrator probes live under /health instead.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Message:     "watch party service is running",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Environment: h.environment,
	})
}

// CreateRoomRequest is the optional POST /api/rooms body.
type CreateRoomRequest struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// CreateRoom mints a room code, persists the record, and returns it with 201.
// The host display name recorded here lets the creator reclaim host authority
// when they join, even after a reconnect.
func (h *Handlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
		return
	}

	ctx := c.Request.Context()
	room := &store.Room{
		Name:            req.Name,
		HostUserID:      uuid.NewString(),
		HostDisplayName: req.Host,
		LastKnownState:  store.StatePaused,
	}

	// Codes are minted at random, so an occupied one just means another draw.
	for attempt := 0; attempt < createAttempts; attempt++ {
		code, err := newRoomCode()
		if err != nil {
			logging.Error(ctx, "Failed to generate room code", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create room"})
			return
		}
		if _, err := h.store.GetByID(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			logging.Error(ctx, "Failed to check room code", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}

		room.RoomID = code
		if err := h.store.Create(ctx, room); err != nil {
			logging.Error(ctx, "Failed to persist room", zap.String("roomId", code), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}

		logging.Info(ctx, "Room created",
			zap.String("roomId", room.RoomID),
			zap.String("host", room.HostDisplayName))
		c.JSON(http.StatusCreated, room)
		return
	}

	logging.Error(ctx, "Exhausted room code attempts")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create room"})
}

// GetRoom returns the persisted room projection.
func (h *Handlers) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	room, err := h.store.GetByID(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		logging.Error(c.Request.Context(), "Failed to load room",
			zap.String("roomId", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages returns a room's chat history in chronological order. limit
// defaults to the join replay window and is capped server-side.
func (h *Handlers) ListMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	ctx := c.Request.Context()

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxMessageLimit)
	}

	if _, err := h.store.GetByID(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		logging.Error(ctx, "Failed to load room",
			zap.String("roomId", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	// Newest window first, then flipped: the endpoint returns the most recent
	// limit messages in chronological order, same as the join replay.
	msgs, err := h.store.ListByRoom(ctx, roomID, limit, false)
	if err != nil {
		logging.Error(ctx, "Failed to list messages",
			zap.String("roomId", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// newRoomCode draws a uniform 6-character code. Bytes at or above the largest
// multiple of the alphabet size are rejected to avoid modulo bias.
func newRoomCode() (string, error) {
	const cutoff = byte(256 / len(roomCodeAlphabet) * len(roomCodeAlphabet)) // 252

	code := make([]byte, 0, roomCodeLength)
	buf := make([]byte, 16)
	for len(code) < roomCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading randomness: %w", err)
		}
		for _, b := range buf {
			if b >= cutoff {
				continue
			}
			code = append(code, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
			if len(code) == roomCodeLength {
				break
			}
		}
	}
	return string(code), nil
}
