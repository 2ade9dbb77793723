package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/bus"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

// mockConn is an in-memory wsConnection. Tests feed inbound frames through
// inject and observe outbound frames through nextMessage.
type mockConn struct {
	inbound   chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writeErr error
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 32),
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return 1, data, nil // websocket.TextMessage
	case <-m.closed:
		return 0, nil, errors.New("mock connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	err := m.writeErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if messageType != 1 { // ignore close frames
		return nil
	}
	select {
	case m.written <- data:
	default:
	}
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) setWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// inject delivers one client event as if it arrived on the wire.
func (m *mockConn) inject(t *testing.T, event Event, payload any) {
	t.Helper()
	data, err := encodeMessage(event, payload)
	require.NoError(t, err)
	select {
	case m.inbound <- data:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out injecting %s", event)
	}
}

// nextMessage returns the next frame written to the transport.
func (m *mockConn) nextMessage(t *testing.T) Message {
	t.Helper()
	select {
	case data := <-m.written:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound event")
		return Message{}
	}
}

// expectEvent asserts the next outbound frame carries the given event and
// returns its decoded payload.
func expectEvent(t *testing.T, conn *mockConn, event Event) json.RawMessage {
	t.Helper()
	msg := conn.nextMessage(t)
	require.Equal(t, event, msg.Event, "unexpected event order")
	return msg.Payload
}

// waitForEvent skips frames until the given event arrives.
func waitForEvent(t *testing.T, conn *mockConn, event Event) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.written:
			var msg Message
			require.NoError(t, json.Unmarshal(data, &msg))
			if msg.Event == event {
				return msg.Payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
			return nil
		}
	}
}

// expectNoEvent asserts nothing is written within the window.
func expectNoEvent(t *testing.T, conn *mockConn, window time.Duration) {
	t.Helper()
	select {
	case data := <-conn.written:
		var msg Message
		_ = json.Unmarshal(data, &msg)
		t.Fatalf("expected silence, got %s", msg.Event)
	case <-time.After(window):
	}
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// stubLimiter admits a fixed number of join attempts, then refuses.
type stubLimiter struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newStubLimiter(max int) *stubLimiter {
	return &stubLimiter{max: max, count: make(map[string]int)}
}

func (s *stubLimiter) AllowJoin(_ context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count[sessionID]++
	return s.count[sessionID] <= s.max
}

// failingStore errors on everything, driving rooms into memory-only mode.
type failingStore struct{}

func (failingStore) Create(context.Context, *store.Room) error { return errors.New("store down") }
func (failingStore) GetByID(context.Context, string) (*store.Room, error) {
	return nil, errors.New("store down")
}
func (failingStore) Update(context.Context, string, store.RoomPatch) error {
	return errors.New("store down")
}
func (failingStore) Append(context.Context, *store.Message) error { return errors.New("store down") }
func (failingStore) ListByRoom(context.Context, string, int, bool) ([]store.Message, error) {
	return nil, errors.New("store down")
}
func (failingStore) Ping(context.Context) error { return errors.New("store down") }

// newTestHub builds a hub with timing shortened for tests.
func newTestHub(t *testing.T, st store.Store) *Hub {
	t.Helper()
	return newTestHubWithBus(t, st, nil)
}

// newTestHubWithBus is newTestHub with a live pub/sub service attached, for
// cross-instance relay tests.
func newTestHubWithBus(t *testing.T, st store.Store, svc *bus.Service) *Hub {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	h := NewHub(st, svc, nil, []string{"http://localhost:3000"})
	h.postConnectDelay = 0
	h.joinStateDelay = time.Millisecond
	h.cleanupGracePeriod = 50 * time.Millisecond
	h.syncInterval = time.Hour // individual tests shorten this
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.Shutdown(ctx))
	})
	return h
}

// connect attaches a mock transport as a fresh session.
func connect(t *testing.T, h *Hub) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := newClient(h, conn, SessionIdType(uuid.NewString()))
	go client.writePump()
	go client.readPump()
	t.Cleanup(client.Disconnect)
	return client, conn
}

// joinRoom performs a join and consumes the standard join sequence up to and
// including user-list-updated, returning the host flag the session received.
func joinRoom(t *testing.T, conn *mockConn, roomId, name string) bool {
	t.Helper()
	conn.inject(t, EventJoinRoom, JoinRoomPayload{RoomId: roomId, DisplayName: name})
	assigned := decodeAs[HostAssignedPayload](t, waitForEvent(t, conn, EventHostAssigned))
	waitForEvent(t, conn, EventUserListUpdated)
	return assigned.IsHost
}
