package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room := &Room{
		RoomID:          "ABC123",
		Name:            "movie night",
		HostUserID:      uuid.New().String(),
		HostDisplayName: "Alice",
		LastKnownState:  StatePaused,
	}
	require.NoError(t, s.Create(ctx, room))

	got, err := s.GetByID(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.HostDisplayName)
	assert.Equal(t, StatePaused, got.LastKnownState)
	assert.Equal(t, float64(0), got.LastKnownTime)
	assert.False(t, got.CreatedAt.IsZero())
	assert.GreaterOrEqual(t, got.UpdatedAt.UnixNano(), got.CreatedAt.UnixNano())
}

func TestGormStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), "NOPE42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_UpdatePatchesOnlySetFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Room{
		RoomID:          "R1AAAA",
		HostDisplayName: "Alice",
		CurrentVideoURL: "https://host/a.mp4",
		LastKnownState:  StatePlaying,
		LastKnownTime:   42,
	}))

	tm := 70.5
	require.NoError(t, s.Update(ctx, "R1AAAA", RoomPatch{LastKnownTime: &tm}))

	got, err := s.GetByID(ctx, "R1AAAA")
	require.NoError(t, err)
	assert.Equal(t, 70.5, got.LastKnownTime)
	// untouched fields survive
	assert.Equal(t, "Alice", got.HostDisplayName)
	assert.Equal(t, "https://host/a.mp4", got.CurrentVideoURL)
	assert.Equal(t, StatePlaying, got.LastKnownState)
}

func TestGormStore_UpdateMissingRoom(t *testing.T) {
	s := newTestStore(t)

	name := "Bob"
	err := s.Update(context.Background(), "NOPE42", RoomPatch{HostDisplayName: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_UpdateEmptyPatchIsNoop(t *testing.T) {
	s := newTestStore(t)
	// no room exists, but an empty patch must not touch the database
	assert.NoError(t, s.Update(context.Background(), "NOPE42", RoomPatch{}))
}

func TestGormStore_MessagesOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, &Message{
			ID:        uuid.New().String(),
			RoomID:    "R1AAAA",
			Author:    "Alice",
			Body:      string(rune('a' + i)),
			Timestamp: base + int64(i),
		}))
	}
	// another room's traffic must not bleed in
	require.NoError(t, s.Append(ctx, &Message{
		ID: uuid.New().String(), RoomID: "R2BBBB", Author: "Eve", Body: "x", Timestamp: base,
	}))

	asc, err := s.ListByRoom(ctx, "R1AAAA", 3, true)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].Body)
	assert.True(t, asc[0].Timestamp <= asc[1].Timestamp && asc[1].Timestamp <= asc[2].Timestamp)

	desc, err := s.ListByRoom(ctx, "R1AAAA", 0, false)
	require.NoError(t, err)
	require.Len(t, desc, 5)
	assert.Equal(t, "e", desc[0].Body)
}

func TestGormStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
