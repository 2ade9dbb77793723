// Package bus carries room events between server instances over Redis
// pub/sub. A nil *Service is valid and means single-instance mode: every
// method degrades to a no-op so callers never branch.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
)

// Envelope is the standardized container for moving room events between
// instances.
type Envelope struct {
	RoomID  string          `json:"roomId"`
	Event   string          `json:"event"`             // The event type (e.g. "server:play", "new-chat-message")
	Payload json.RawMessage `json:"payload"`           // The event payload as sent to clients
	Origin  string          `json:"origin"`            // Instance id of the publisher, used to prevent echo loops
	Exclude []string        `json:"exclude,omitempty"` // Session ids that must not receive this event
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	origin string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Origin returns this instance's publisher id.
func (s *Service) Origin() string {
	if s == nil {
		return ""
	}
	return s.origin
}

// NewService creates a Redis connection and verifies it immediately.
func NewService(addr, password, origin string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis Pub/Sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		origin: origin,
	}, nil
}

// Publish broadcasts a room event to all other instances watching this room.
// exclude lists session ids that must not receive the event on any instance.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, exclude []string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := Envelope{
			RoomID:  roomID,
			Event:   event,
			Payload: innerBytes,
			Origin:  s.origin,
			Exclude: exclude,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		// Channel schema: "watchparty:room:{id}"
		return nil, s.client.Publish(ctx, channelForRoom(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("room_id", roomID))
			return nil // Graceful degradation: drop bus traffic, local broadcast already happened
		}
		logging.Error(ctx, "Redis publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that forwards envelopes published
// by OTHER instances for this room. Stops when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := channelForRoom(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return // Room closed
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					logging.Error(ctx, "Failed to unmarshal Redis message", zap.Error(err))
					continue
				}

				// Skip our own publishes; the local broadcast already delivered them.
				if envelope.Origin == s.origin {
					continue
				}

				handler(envelope)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command.
// Used by health checks to verify Redis is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}

func channelForRoom(roomID string) string {
	return fmt.Sprintf("watchparty:room:%s", roomID)
}
