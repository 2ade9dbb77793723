package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps rooms and messages in process memory. It backs tests and
// is the fallback when no STORAGE_DSN is configured; durability across
// restarts is lost but every contract behaves the same.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]Room
	messages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]Room),
		messages: make(map[string][]Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = now
	}
	s.rooms[room.RoomID] = *room
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := room
	return &copied, nil
}

func (s *MemoryStore) Update(_ context.Context, roomID string, patch RoomPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if patch.HostDisplayName != nil {
		room.HostDisplayName = *patch.HostDisplayName
	}
	if patch.CurrentVideoURL != nil {
		room.CurrentVideoURL = *patch.CurrentVideoURL
	}
	if patch.CurrentVideoTitle != nil {
		room.CurrentVideoTitle = *patch.CurrentVideoTitle
	}
	if patch.LastKnownTime != nil {
		room.LastKnownTime = *patch.LastKnownTime
	}
	if patch.LastKnownState != nil {
		room.LastKnownState = *patch.LastKnownState
	}
	room.UpdatedAt = time.Now()
	s.rooms[roomID] = room
	return nil
}

func (s *MemoryStore) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	return nil
}

func (s *MemoryStore) ListByRoom(_ context.Context, roomID string, limit int, ascending bool) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]Message, len(s.messages[roomID]))
	copy(msgs, s.messages[roomID])

	sort.SliceStable(msgs, func(i, j int) bool {
		if ascending {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Timestamp > msgs[j].Timestamp
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}
