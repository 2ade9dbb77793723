// Package session implements the watch party coordinator and its gateway.
//
// Each Room is a single-writer actor: one goroutine (run) owns all room
// state (the member table, the host assignment, and the playback fields)
// and consumes inbound events from a queue. Session transports (WebSocket or
// long-poll) feed that queue through the Hub; they never touch room state
// directly. Serializing every mutation per room is what keeps play/pause/seek
// broadcasts ordered for every follower.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/bus"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

const (
	// defaultSyncInterval is how often the coordinator asks the host for its
	// clock so followers can correct drift.
	defaultSyncInterval = 10 * time.Second

	// defaultJoinStateDelay separates host-assigned from sync-state on join,
	// giving the client time to register its playback handlers.
	defaultJoinStateDelay = 50 * time.Millisecond

	// inboundQueueSize bounds the per-room event queue. Producers block when
	// it is full, which back-pressures the offending transport only.
	inboundQueueSize = 64

	// chatReplayLimit caps how much history a joiner receives.
	chatReplayLimit = 50
)

// inboundKind tags entries on the room queue.
type inboundKind int

const (
	inboundMessage inboundKind = iota // decoded protocol event from a member
	inboundJoin                       // join request vetted by the hub
	inboundClosed                     // transport loss, triggers succession
	inboundBus                        // event relayed from another instance
)

// inboundEvent is the tagged union consumed by the room loop.
type inboundEvent struct {
	kind   inboundKind
	client *Client
	msg    *Message
	join   *JoinRoomPayload
	env    *bus.Envelope
}

// memberState is one row of the coordinator's member table. seq preserves
// arrival order so host succession is deterministic.
type memberState struct {
	client      *Client
	displayName DisplayNameType
	isHost      bool
	joinedAt    time.Time
	seq         uint64
}

// Room is the authoritative per-party state machine. All fields below the
// channel block are owned by the run goroutine and must not be accessed
// elsewhere; the hub observes membership only through the atomic counter.
type Room struct {
	ID RoomIdType

	inbound chan inboundEvent
	quit    chan struct{}
	done    chan struct{}

	members       map[SessionIdType]*memberState
	hostSessionID SessionIdType
	joinSeq       uint64

	videoURL        string
	videoTitle      string
	lastKnownTime   float64
	lastKnownState  store.PlaybackState
	hostUserID      string
	hostDisplayName DisplayNameType
	loaded          bool // persisted record consulted for this activation
	memoryOnly      bool // store unavailable; chat replay and durability degrade

	syncTicker *time.Ticker
	tick       <-chan time.Time

	memberCount atomic.Int64

	store     store.Store
	bus       *bus.Service
	busCancel context.CancelFunc
	busWG     sync.WaitGroup

	onEmpty func(RoomIdType)

	syncInterval   time.Duration
	joinStateDelay time.Duration

	stopOnce sync.Once
	baseCtx  context.Context
}

// NewRoom creates a room actor and starts its event loop. The onEmpty
// callback fires when the last member leaves, letting the hub schedule
// removal; the persisted Room row is never deleted so the original creator
// can reclaim the party later.
func NewRoom(id RoomIdType, st store.Store, busService *bus.Service, onEmpty func(RoomIdType)) *Room {
	r := &Room{
		ID:             id,
		inbound:        make(chan inboundEvent, inboundQueueSize),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		members:        make(map[SessionIdType]*memberState),
		lastKnownState: store.StatePaused,
		store:          st,
		bus:            busService,
		onEmpty:        onEmpty,
		syncInterval:   defaultSyncInterval,
		joinStateDelay: defaultJoinStateDelay,
		baseCtx:        context.WithValue(context.Background(), logging.RoomIDKey, string(id)),
	}

	if busService != nil {
		busCtx, cancel := context.WithCancel(context.Background())
		r.busCancel = cancel
		busService.Subscribe(busCtx, string(id), &r.busWG, func(env bus.Envelope) {
			e := env
			select {
			case r.inbound <- inboundEvent{kind: inboundBus, env: &e}:
			case <-busCtx.Done():
			case <-r.done:
			}
		})
	}

	go r.run()
	return r
}

// MemberCount reports live membership. Safe from any goroutine.
func (r *Room) MemberCount() int {
	return int(r.memberCount.Load())
}

// isStopped reports whether the event loop has exited.
func (r *Room) isStopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// stop shuts the room down. Idempotent; the loop drains nothing further.
func (r *Room) stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
}

// enqueueJoin hands a vetted join request to the room loop. Returns false if
// the room has already stopped, in which case the caller should retry
// against a fresh actor.
func (r *Room) enqueueJoin(client *Client, p JoinRoomPayload) bool {
	select {
	case r.inbound <- inboundEvent{kind: inboundJoin, client: client, join: &p}:
		return true
	case <-r.done:
		return false
	}
}

// enqueueMessage hands a member's protocol event to the room loop.
func (r *Room) enqueueMessage(client *Client, msg *Message) bool {
	select {
	case r.inbound <- inboundEvent{kind: inboundMessage, client: client, msg: msg}:
		return true
	case <-r.done:
		return false
	}
}

// enqueueClosed signals transport loss for a member session.
func (r *Room) enqueueClosed(client *Client) bool {
	select {
	case r.inbound <- inboundEvent{kind: inboundClosed, client: client}:
		return true
	case <-r.done:
		return false
	}
}

// run is the room's event loop and the only goroutine allowed to mutate room
// state. It exits when the hub stops the room.
func (r *Room) run() {
	defer close(r.done)

	for {
		select {
		case evt := <-r.inbound:
			r.dispatch(evt)
		case <-r.tick:
			r.handleSyncTick()
		case <-r.quit:
			r.teardown()
			return
		}
	}
}

func (r *Room) dispatch(evt inboundEvent) {
	switch evt.kind {
	case inboundJoin:
		r.handleJoinRoom(evt.client, *evt.join)
	case inboundClosed:
		r.handleSessionClosed(evt.client)
	case inboundBus:
		r.handleBusEnvelope(evt.env)
	case inboundMessage:
		r.router(evt.client, evt.msg)
	}
}

// router dispatches a member's event to its handler, gating host-only events
// on the member's current role. Host events from non-hosts are dropped
// without a reply so replaying captured traffic leaks nothing about roles.
func (r *Room) router(client *Client, msg *Message) {
	start := time.Now()
	status := "success"
	defer func() {
		metrics.EventHandlingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
		metrics.GatewayEvents.WithLabelValues(string(msg.Event), status).Inc()
	}()

	member, ok := r.members[client.ID]
	if !ok {
		// The session was reaped between enqueue and dispatch.
		status = "ignored"
		return
	}
	isHost := member.isHost

	switch msg.Event {
	case EventHostPlay:
		if isHost {
			r.handlePlay(client, msg.Payload)
		} else {
			status = "ignored"
		}

	case EventHostPause:
		if isHost {
			r.handlePause(client, msg.Payload)
		} else {
			status = "ignored"
		}

	case EventHostSeek:
		if isHost {
			r.handleSeek(client, msg.Payload)
		} else {
			status = "ignored"
		}

	case EventHostChangeVideo:
		if isHost {
			r.handleChangeVideo(client, msg.Payload)
		} else {
			status = "ignored"
		}

	case EventHostReportTime:
		if isHost {
			r.handleReportTime(msg.Payload)
		} else {
			status = "ignored"
		}

	case EventRequestSync:
		client.sendEvent(EventSyncState, r.buildSyncState())

	case EventRequestUserList:
		client.sendEvent(EventUserListUpdated, r.buildUserList())

	case EventChatMessage:
		r.handleChat(member, msg.Payload)

	default:
		logging.Warn(r.baseCtx, "Received unknown event", zap.String("event", string(msg.Event)))
		status = "unknown"
	}
}

// handleSyncTick asks the host for its clock. The host answers with
// host:report-time, which fans out as server:sync-time to everyone.
func (r *Room) handleSyncTick() {
	if r.hostSessionID == "" {
		return
	}
	if host, ok := r.members[r.hostSessionID]; ok {
		host.client.sendEvent(EventRequestHostTime, nil)
	}
}

func (r *Room) startSyncTicker() {
	if r.syncTicker != nil {
		return
	}
	r.syncTicker = time.NewTicker(r.syncInterval)
	r.tick = r.syncTicker.C
}

func (r *Room) stopSyncTicker() {
	if r.syncTicker == nil {
		return
	}
	r.syncTicker.Stop()
	r.syncTicker = nil
	r.tick = nil
}

// teardown runs once when the loop exits: it stops timers, flushes playback
// state, drops every member transport, and detaches from the bus.
func (r *Room) teardown() {
	r.stopSyncTicker()
	r.persistPlayback()

	for _, m := range r.members {
		m.client.Disconnect()
	}
	r.members = make(map[SessionIdType]*memberState)
	r.memberCount.Store(0)
	r.hostSessionID = ""

	if r.busCancel != nil {
		r.busCancel()
	}
	r.busWG.Wait()

	metrics.RoomMembers.DeleteLabelValues(string(r.ID))
}

// --- Broadcast helpers (run-goroutine only) ---

// broadcast fans an event out to every member except excludeSession. An empty
// excludeSession reaches everyone. Sends go through each session's bounded
// outbox; a full outbox drops that session only.
func (r *Room) broadcast(event Event, payload any, excludeSession SessionIdType) {
	data, err := encodeMessage(event, payload)
	if err != nil {
		logging.Error(r.baseCtx, "Failed to marshal broadcast",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	for id, m := range r.members {
		if excludeSession != "" && id == excludeSession {
			continue
		}
		m.client.sendRaw(data)
	}
}

// broadcastAndPublish additionally relays the event to peer instances through
// the bus. Only playback and chat events cross instances; roster events stay
// local because membership is tracked per instance.
func (r *Room) broadcastAndPublish(event Event, payload any, excludeSession SessionIdType) {
	r.broadcast(event, payload, excludeSession)

	if r.bus == nil {
		return
	}
	var exclude []string
	if excludeSession != "" {
		exclude = []string{string(excludeSession)}
	}
	go func() {
		if err := r.bus.Publish(context.Background(), string(r.ID), string(event), payload, exclude); err != nil {
			logging.Warn(r.baseCtx, "Failed to publish event to bus",
				zap.String("event", string(event)), zap.Error(err))
		}
	}()
}

// handleBusEnvelope relays an event received from a peer instance to local
// members, honoring the sender's exclusion list.
func (r *Room) handleBusEnvelope(env *bus.Envelope) {
	data, err := json.Marshal(Message{Event: Event(env.Event), Payload: env.Payload})
	if err != nil {
		logging.Error(r.baseCtx, "Failed to marshal bus envelope", zap.Error(err))
		return
	}
	excluded := set.New(env.Exclude...)
	for id, m := range r.members {
		if excluded.Has(string(id)) {
			continue
		}
		m.client.sendRaw(data)
	}
}

// --- Snapshots ---

// buildSyncState captures the playback snapshot sent on join and on
// client:request-sync. Url and Title are null until a video is loaded.
func (r *Room) buildSyncState() SyncStatePayload {
	p := SyncStatePayload{
		Time:  r.lastKnownTime,
		State: r.lastKnownState,
	}
	if r.videoURL != "" {
		u := r.videoURL
		p.Url = &u
		if r.videoTitle != "" {
			t := r.videoTitle
			p.Title = &t
		}
	}
	return p
}

// buildUserList returns the roster in join order.
func (r *Room) buildUserList() []UserInfo {
	members := make([]*memberState, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })

	users := make([]UserInfo, 0, len(members))
	for _, m := range members {
		users = append(users, UserInfo{DisplayName: m.displayName, IsHost: m.isHost})
	}
	return users
}

// persistPlayback writes the current playback fields through the store.
// Best-effort: a failure is counted and logged, and the in-memory state
// remains authoritative for live sync.
func (r *Room) persistPlayback() {
	if r.memoryOnly || r.store == nil || !r.loaded {
		return
	}
	url := r.videoURL
	title := r.videoTitle
	t := r.lastKnownTime
	state := r.lastKnownState
	patch := store.RoomPatch{
		CurrentVideoURL:   &url,
		CurrentVideoTitle: &title,
		LastKnownTime:     &t,
		LastKnownState:    &state,
	}
	if err := r.store.Update(r.baseCtx, string(r.ID), patch); err != nil {
		metrics.StoreFailures.WithLabelValues("room_update").Inc()
		logging.Warn(r.baseCtx, "Failed to persist playback state", zap.Error(err))
	}
}
