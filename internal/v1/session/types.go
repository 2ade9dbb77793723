package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

// --- Core Domain Types ---

// SessionIdType represents a unique identifier for a client connection.
// It is minted by the gateway when the transport is accepted.
type SessionIdType string

// RoomIdType represents a unique identifier for a watch party room.
type RoomIdType string

// DisplayNameType represents the human-readable name for a client.
type DisplayNameType string

// Event names a message on the wire. Events prefixed with "host:" are only
// honored when sent by the current host; "server:" events are only ever
// emitted by the coordinator.
type Event string

// Client -> server events.
const (
	EventJoinRoom        Event = "join-room"
	EventChatMessage     Event = "chat-message"
	EventHostPlay        Event = "host:play"
	EventHostPause       Event = "host:pause"
	EventHostSeek        Event = "host:seek"
	EventHostChangeVideo Event = "host:change-video"
	EventHostReportTime  Event = "host:report-time"
	EventRequestSync     Event = "client:request-sync"
	EventRequestUserList Event = "request-user-list"
)

// Server -> client events.
const (
	EventHostAssigned      Event = "host-assigned"
	EventSyncState         Event = "sync-state"
	EventServerPlay        Event = "server:play"
	EventServerPause       Event = "server:pause"
	EventServerSeek        Event = "server:seek"
	EventServerChangeVideo Event = "server:change-video"
	EventServerSyncTime    Event = "server:sync-time"
	EventRequestHostTime   Event = "server:request-host-time"
	EventUserJoined        Event = "user-joined"
	EventUserLeft          Event = "user-left"
	EventUserListUpdated   Event = "user-list-updated"
	EventNewChatMessage    Event = "new-chat-message"
	EventError             Event = "error"
)

// Message is the JSON envelope for every event crossing the gateway, in both
// directions. Payload stays raw until the handler for the named event decodes
// it into its concrete payload struct.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// encodeMessage builds the wire form of an outbound event. A nil payload
// produces an envelope with the payload field omitted.
func encodeMessage(event Event, payload any) ([]byte, error) {
	msg := Message{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// --- Inbound Payloads ---

// JoinRoomPayload carries the join-room request.
type JoinRoomPayload struct {
	RoomId      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

// Validate ensures a join request is safe to process.
func (p JoinRoomPayload) Validate() error {
	if strings.TrimSpace(p.RoomId) == "" {
		return errors.New("roomId cannot be empty")
	}
	if len(p.RoomId) > 64 {
		return errors.New("roomId cannot exceed 64 characters")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return errors.New("displayName cannot be empty")
	}
	if len(p.DisplayName) > 128 {
		return errors.New("displayName cannot exceed 128 characters")
	}
	return nil
}

// ChatMessagePayload carries the chat-message request.
type ChatMessagePayload struct {
	Body string `json:"body"`
}

// Validate ensures chat messages are safe to store and broadcast.
func (p ChatMessagePayload) Validate() error {
	if len(p.Body) == 0 {
		return errors.New("chat body cannot be empty")
	}
	if len(p.Body) > 2048 {
		return errors.New("chat body cannot exceed 2048 characters")
	}
	return nil
}

// TimePayload carries a playback position in seconds. It is shared by
// host:play, host:pause, host:seek, host:report-time and their server-side
// counterparts.
type TimePayload struct {
	Time float64 `json:"time"`
}

// ChangeVideoPayload carries host:change-video and server:change-video. An
// empty url clears the room's video.
type ChangeVideoPayload struct {
	Url   string `json:"url"`
	Title string `json:"title"`
}

// --- Outbound Payloads ---

// HostAssignedPayload tells a session whether it holds playback authority.
type HostAssignedPayload struct {
	IsHost bool `json:"isHost"`
}

// SyncStatePayload is the full playback snapshot sent to a joining or
// resyncing session. Url and Title are null when no video is loaded.
type SyncStatePayload struct {
	Url   *string             `json:"url"`
	Title *string             `json:"title"`
	Time  float64             `json:"time"`
	State store.PlaybackState `json:"state"`
}

// UserInfo is one row of the room roster.
type UserInfo struct {
	DisplayName DisplayNameType `json:"displayName"`
	IsHost      bool            `json:"isHost"`
}

// UserPayload carries user-joined and user-left.
type UserPayload struct {
	DisplayName DisplayNameType `json:"displayName"`
}

// ChatBroadcastPayload carries new-chat-message. Timestamp is unix
// milliseconds.
type ChatBroadcastPayload struct {
	Author    string `json:"author"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload carries the error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Error messages surfaced to clients. Kept as constants so tests and the
// frontend can match on them.
const (
	ErrMsgRateLimited   = "Too many join attempts. Please wait."
	ErrMsgDuplicate     = "Already connected"
	ErrMsgAlreadyInRoom = "Already in a room"
	ErrMsgNotInRoom     = "You must join a room first"
	ErrMsgInvalidJoin   = "roomId and displayName are required"
	ErrMsgInvalidChat   = "Invalid chat message"
)
