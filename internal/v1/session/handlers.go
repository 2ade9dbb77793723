package session

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

// handleJoinRoom finishes a join the hub already vetted (rate limit and
// post-connect settling happen before the request reaches the room queue).
// The remaining steps run here because they read and mutate the member table:
// duplicate-name rejection, record load-or-create, host election, the ordered
// host-assigned/sync-state handshake, catch-up, roster fan-out, chat replay,
// and ticker start.
func (r *Room) handleJoinRoom(client *Client, p JoinRoomPayload) {
	start := time.Now()
	defer func() {
		metrics.EventHandlingDuration.WithLabelValues(string(EventJoinRoom)).Observe(time.Since(start).Seconds())
	}()

	if _, ok := r.members[client.ID]; ok {
		// Duplicate enqueue of the same join; the first one won.
		return
	}

	displayName := DisplayNameType(p.DisplayName)

	// One live session per (room, displayName). A binding whose transport is
	// already dead is reaped first so a reconnecting client is not locked out
	// waiting for the old socket to finish dying.
	if existing := r.findMemberByName(displayName); existing != nil {
		if existing.client.isAlive() {
			client.sendError(ErrMsgDuplicate)
			metrics.GatewayEvents.WithLabelValues(string(EventJoinRoom), "rejected").Inc()
			return
		}
		logging.Info(r.baseCtx, "Reaping stale session before rejoin",
			zap.String("displayName", string(displayName)),
			zap.String("staleSessionId", string(existing.client.ID)))
		existing.client.Disconnect()
		r.removeMember(existing.client)
	}

	createdNow := r.ensureRecord(displayName)

	// Host election: creator first, then reclaim by the recorded host name,
	// then first-in fallback when no live host remains.
	isHost := false
	switch {
	case createdNow:
		isHost = true
	case r.hostDisplayName != "" && displayName == r.hostDisplayName:
		isHost = true
	case r.hostSessionID == "":
		isHost = true
	}

	if isHost && r.hostSessionID != "" && r.hostSessionID != client.ID {
		// The recorded host is back; the stand-in steps down.
		if old, ok := r.members[r.hostSessionID]; ok {
			old.isHost = false
			old.client.sendEvent(EventHostAssigned, HostAssignedPayload{IsHost: false})
		}
		r.hostSessionID = ""
	}

	r.joinSeq++
	member := &memberState{
		client:      client,
		displayName: displayName,
		isHost:      isHost,
		joinedAt:    time.Now(),
		seq:         r.joinSeq,
	}
	r.members[client.ID] = member
	r.memberCount.Store(int64(len(r.members)))
	metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(len(r.members)))
	if isHost {
		r.hostSessionID = client.ID
	}

	client.setDisplayName(displayName)
	client.setRoom(r)

	logging.Info(r.baseCtx, "Session joined room",
		zap.String("sessionId", string(client.ID)),
		zap.String("displayName", string(displayName)),
		zap.Bool("isHost", isHost),
		zap.Int("members", len(r.members)))

	// The client must learn its role before it receives playback state; the
	// pause in between lets it register handlers for what follows.
	client.sendEvent(EventHostAssigned, HostAssignedPayload{IsHost: isHost})
	if r.joinStateDelay > 0 {
		time.Sleep(r.joinStateDelay)
	}
	client.sendEvent(EventSyncState, r.buildSyncState())

	// Catch-up: nudge everyone to the authoritative clock, then restate the
	// play/pause mode so the joiner lands in it.
	if r.videoURL != "" {
		r.broadcast(EventServerSyncTime, TimePayload{Time: r.lastKnownTime}, "")
		if r.lastKnownState == store.StatePlaying {
			r.broadcast(EventServerPlay, TimePayload{Time: r.lastKnownTime}, "")
		} else {
			r.broadcast(EventServerPause, TimePayload{Time: r.lastKnownTime}, "")
		}
	}

	r.broadcast(EventUserJoined, UserPayload{DisplayName: displayName}, client.ID)
	r.broadcast(EventUserListUpdated, r.buildUserList(), "")

	r.replayChatHistory(client)
	r.startSyncTicker()
}

// findMemberByName returns the member bound to displayName, or nil.
func (r *Room) findMemberByName(displayName DisplayNameType) *memberState {
	for _, m := range r.members {
		if m.displayName == displayName {
			return m
		}
	}
	return nil
}

// ensureRecord loads the persisted Room row on first activation, creating it
// when missing. Returns true when this call created the record (the caller
// becomes host). Store failures flip the room into memory-only mode: playback
// sync keeps working, chat replay and cross-restart durability do not.
func (r *Room) ensureRecord(creator DisplayNameType) bool {
	if r.loaded || r.memoryOnly {
		return false
	}
	if r.store == nil {
		r.memoryOnly = true
		r.hostDisplayName = creator
		return false
	}

	rec, err := r.store.GetByID(r.baseCtx, string(r.ID))
	switch {
	case err == nil:
		r.hostUserID = rec.HostUserID
		r.hostDisplayName = DisplayNameType(rec.HostDisplayName)
		r.videoURL = rec.CurrentVideoURL
		r.videoTitle = rec.CurrentVideoTitle
		r.lastKnownTime = rec.LastKnownTime
		if rec.LastKnownState != "" {
			r.lastKnownState = rec.LastKnownState
		}
		r.loaded = true
		return false

	case errors.Is(err, store.ErrNotFound):
		rec := &store.Room{
			RoomID:          string(r.ID),
			HostUserID:      uuid.NewString(),
			HostDisplayName: string(creator),
			LastKnownState:  store.StatePaused,
		}
		if err := r.store.Create(r.baseCtx, rec); err != nil {
			metrics.StoreFailures.WithLabelValues("room_create").Inc()
			logging.Warn(r.baseCtx, "Failed to create room record, continuing in memory", zap.Error(err))
			r.memoryOnly = true
			r.hostDisplayName = creator
			return true
		}
		r.hostUserID = rec.HostUserID
		r.hostDisplayName = creator
		r.loaded = true
		return true

	default:
		metrics.StoreFailures.WithLabelValues("room_get").Inc()
		logging.Warn(r.baseCtx, "Failed to load room record, continuing in memory", zap.Error(err))
		r.memoryOnly = true
		r.hostDisplayName = creator
		return false
	}
}

// replayChatHistory sends the joiner the most recent persisted messages in
// timestamp order. Best-effort: on store failure the joiner simply starts
// with an empty chat.
func (r *Room) replayChatHistory(client *Client) {
	if r.memoryOnly || r.store == nil {
		return
	}
	msgs, err := r.store.ListByRoom(r.baseCtx, string(r.ID), chatReplayLimit, false)
	if err != nil {
		metrics.StoreFailures.WithLabelValues("message_list").Inc()
		logging.Warn(r.baseCtx, "Failed to load chat history for replay", zap.Error(err))
		return
	}
	// Newest-first from the store; the joiner wants chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		client.sendEvent(EventNewChatMessage, ChatBroadcastPayload{
			Author:    msgs[i].Author,
			Body:      msgs[i].Body,
			Timestamp: msgs[i].Timestamp,
		})
	}
}

// handleSessionClosed removes a lost session and, when it held host
// authority, promotes the longest-tenured remaining member.
func (r *Room) handleSessionClosed(client *Client) {
	if _, ok := r.members[client.ID]; !ok {
		return
	}
	r.removeMember(client)
}

// removeMember deletes the session from the member table, runs host
// succession, and either tears the room down (last member) or broadcasts the
// refreshed roster.
func (r *Room) removeMember(client *Client) {
	member, ok := r.members[client.ID]
	if !ok {
		return
	}
	delete(r.members, client.ID)
	r.memberCount.Store(int64(len(r.members)))
	wasHost := member.isHost
	if wasHost {
		r.hostSessionID = ""
	}

	logging.Info(r.baseCtx, "Session left room",
		zap.String("sessionId", string(client.ID)),
		zap.String("displayName", string(member.displayName)),
		zap.Bool("wasHost", wasHost),
		zap.Int("members", len(r.members)))

	if len(r.members) == 0 {
		r.stopSyncTicker()
		r.persistPlayback()
		metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(0)
		if r.onEmpty == nil {
			return
		}
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error(r.baseCtx, "Panic in onEmpty callback", zap.Any("panic", rec))
				}
			}()
			r.onEmpty(r.ID)
		}()
		return
	}

	metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(len(r.members)))

	if wasHost {
		if next := r.earliestMember(); next != nil {
			next.isHost = true
			r.hostSessionID = next.client.ID
			next.client.sendEvent(EventHostAssigned, HostAssignedPayload{IsHost: true})
			logging.Info(r.baseCtx, "Host succession",
				zap.String("newHostSessionId", string(next.client.ID)),
				zap.String("newHostDisplayName", string(next.displayName)))
		}
	}

	r.broadcast(EventUserLeft, UserPayload{DisplayName: member.displayName}, "")
	r.broadcast(EventUserListUpdated, r.buildUserList(), "")
}

// earliestMember returns the remaining member with the smallest joinedAt.
func (r *Room) earliestMember() *memberState {
	var next *memberState
	for _, m := range r.members {
		if next == nil || m.seq < next.seq {
			next = m
		}
	}
	return next
}

// --- Playback handlers (host-gated by the router) ---

func (r *Room) handlePlay(client *Client, raw json.RawMessage) {
	p, ok := decodeTime(r, raw)
	if !ok {
		return
	}
	r.lastKnownTime = p.Time
	r.lastKnownState = store.StatePlaying
	r.persistPlayback()
	r.broadcastAndPublish(EventServerPlay, p, client.ID)
}

func (r *Room) handlePause(client *Client, raw json.RawMessage) {
	p, ok := decodeTime(r, raw)
	if !ok {
		return
	}
	r.lastKnownTime = p.Time
	r.lastKnownState = store.StatePaused
	r.persistPlayback()
	r.broadcastAndPublish(EventServerPause, p, client.ID)
}

func (r *Room) handleSeek(client *Client, raw json.RawMessage) {
	p, ok := decodeTime(r, raw)
	if !ok {
		return
	}
	r.lastKnownTime = p.Time
	r.persistPlayback()
	r.broadcastAndPublish(EventServerSeek, p, client.ID)
}

// handleChangeVideo swaps the room's video and resets playback to a paused
// zero position. An empty url clears the video. Broadcast goes to everyone,
// the host included, so all players load the new source together.
func (r *Room) handleChangeVideo(client *Client, raw json.RawMessage) {
	var p ChangeVideoPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			logging.Warn(r.baseCtx, "Malformed change-video payload", zap.Error(err))
			return
		}
	}
	r.videoURL = p.Url
	r.videoTitle = p.Title
	r.lastKnownTime = 0
	r.lastKnownState = store.StatePaused
	r.persistPlayback()

	logging.Info(r.baseCtx, "Video changed",
		zap.String("sessionId", string(client.ID)),
		zap.String("url", logging.RedactURL(p.Url)),
		zap.String("title", p.Title))

	r.broadcastAndPublish(EventServerChangeVideo, p, "")
}

// handleReportTime refreshes the authoritative clock from the host's answer
// to server:request-host-time and fans it out to everyone, the host included;
// a follower already on time treats it as a no-op.
func (r *Room) handleReportTime(raw json.RawMessage) {
	p, ok := decodeTime(r, raw)
	if !ok {
		return
	}
	r.lastKnownTime = p.Time
	r.persistPlayback()
	r.broadcastAndPublish(EventServerSyncTime, p, "")
}

// handleChat persists a message best-effort and fans it out to the whole
// room, the author included.
func (r *Room) handleChat(member *memberState, raw json.RawMessage) {
	var p ChatMessagePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			member.client.sendError(ErrMsgInvalidChat)
			return
		}
	}
	if err := p.Validate(); err != nil {
		member.client.sendError(ErrMsgInvalidChat)
		return
	}

	broadcastPayload := ChatBroadcastPayload{
		Author:    string(member.displayName),
		Body:      p.Body,
		Timestamp: time.Now().UnixMilli(),
	}

	persisted := false
	if !r.memoryOnly && r.store != nil {
		rec := &store.Message{
			ID:        uuid.NewString(),
			RoomID:    string(r.ID),
			Author:    broadcastPayload.Author,
			Body:      broadcastPayload.Body,
			Timestamp: broadcastPayload.Timestamp,
		}
		if err := r.store.Append(r.baseCtx, rec); err != nil {
			metrics.StoreFailures.WithLabelValues("message_append").Inc()
			logging.Warn(r.baseCtx, "Failed to persist chat message", zap.Error(err))
		} else {
			persisted = true
		}
	}
	metrics.ChatMessages.WithLabelValues(strconv.FormatBool(persisted)).Inc()

	r.broadcastAndPublish(EventNewChatMessage, broadcastPayload, "")
}

// decodeTime parses a time payload, clamping negatives to zero so
// lastKnownTime can never go below the start of the video.
func decodeTime(r *Room, raw json.RawMessage) (TimePayload, bool) {
	var p TimePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			logging.Warn(r.baseCtx, "Malformed time payload", zap.Error(err))
			return p, false
		}
	}
	if p.Time < 0 {
		p.Time = 0
	}
	return p, true
}
