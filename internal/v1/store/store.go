// Package store defines the persistence contracts for rooms and chat history.
// The coordinator treats every operation here as best-effort: failures are
// logged and the in-memory room state advances regardless.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("store: not found")

// PlaybackState is the persisted play/pause state of a room.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// Room is the durable record of a watch party. RoomID doubles as the primary
// key; HostUserID is the identity minted when the room was created and is
// stable across reconnects.
type Room struct {
	RoomID            string        `gorm:"primarykey;size:64" json:"roomId"`
	Name              string        `gorm:"size:255" json:"name,omitempty"`
	HostUserID        string        `gorm:"size:36" json:"hostUserId"`
	HostDisplayName   string        `gorm:"size:255" json:"hostDisplayName"`
	CurrentVideoURL   string        `gorm:"size:4096" json:"currentVideoUrl,omitempty"`
	CurrentVideoTitle string        `gorm:"size:512" json:"currentVideoTitle,omitempty"`
	LastKnownTime     float64       `json:"lastKnownTime"`
	LastKnownState    PlaybackState `gorm:"size:16" json:"lastKnownState"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Message is one chat line. Timestamp is unix milliseconds; the compound
// index serves the join-replay query (by room, in time order).
type Message struct {
	ID        string `gorm:"primarykey;size:36" json:"id"`
	RoomID    string `gorm:"size:64;not null;index:idx_room_messages,priority:1" json:"roomId"`
	Author    string `gorm:"size:255;not null" json:"author"`
	Body      string `gorm:"size:2048;not null" json:"body"`
	Timestamp int64  `gorm:"not null;index:idx_room_messages,priority:2" json:"timestamp"`
}

// RoomPatch carries the fields an Update may change. Nil means "leave as is".
type RoomPatch struct {
	HostDisplayName   *string
	CurrentVideoURL   *string
	CurrentVideoTitle *string
	LastKnownTime     *float64
	LastKnownState    *PlaybackState
}

// RoomStore persists room records.
type RoomStore interface {
	Create(ctx context.Context, room *Room) error
	GetByID(ctx context.Context, roomID string) (*Room, error)
	Update(ctx context.Context, roomID string, patch RoomPatch) error
}

// MessageStore persists chat history. Append-only.
type MessageStore interface {
	Append(ctx context.Context, msg *Message) error
	ListByRoom(ctx context.Context, roomID string, limit int, ascending bool) ([]Message, error)
}

// Store combines both persistence contracts plus a health probe.
type Store interface {
	RoomStore
	MessageStore
	Ping(ctx context.Context) error
}
