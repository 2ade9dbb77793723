// Package ratelimit implements rate limiting using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/config"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
)

// RateLimiter holds the limiter instances for the REST surface and the
// coordinator's join protocol.
type RateLimiter struct {
	api   *limiter.Limiter
	rooms *limiter.Limiter
	join  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter creates the limiters from config. When redisClient is nil
// the limiter state lives in process memory, which is correct for
// single-instance deployments and tests.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}

	roomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid rooms rate: %w", err)
	}

	// The join limit is count-per-window rather than a formatted rate string
	joinRate := limiter.Rate{
		Period: cfg.JoinRateWindow,
		Limit:  int64(cfg.JoinRateMax),
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:watchparty:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
	}

	return &RateLimiter{
		api:   limiter.New(store, apiRate),
		rooms: limiter.New(store, roomsRate),
		join:  limiter.New(store, joinRate),
		store: store,
	}, nil
}

// APIMiddleware enforces the per-IP limit on general API routes.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.api, "api")
}

// RoomsMiddleware enforces the tighter per-IP limit on room creation.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.rooms, "rooms")
}

func (rl *RateLimiter) middlewareFor(instance *limiter.Limiter, route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := instance.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: availability beats strictness when the store is down
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(route, "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(route).Inc()
		c.Next()
	}
}

// AllowJoin records one join attempt for the session and reports whether it
// is within the rolling window. Fails open on store errors.
func (rl *RateLimiter) AllowJoin(ctx context.Context, sessionID string) bool {
	lctx, err := rl.join.Get(ctx, "join:"+sessionID)
	if err != nil {
		logging.Error(ctx, "Join rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("join-room", "session").Inc()
		return false
	}
	return true
}
