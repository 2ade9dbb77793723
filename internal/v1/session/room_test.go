package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/bus"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
)

// First joiner creates the room and is told so before anything else: the
// exact sequence is host-assigned, then sync-state, then the roster.
func TestJoin_CreatorBecomesHost(t *testing.T) {
	h := newTestHub(t, nil)
	_, conn := connect(t, h)

	conn.inject(t, EventJoinRoom, JoinRoomPayload{RoomId: "R1", DisplayName: "Alice"})

	assigned := decodeAs[HostAssignedPayload](t, expectEvent(t, conn, EventHostAssigned))
	assert.True(t, assigned.IsHost)

	state := decodeAs[SyncStatePayload](t, expectEvent(t, conn, EventSyncState))
	assert.Nil(t, state.Url)
	assert.Nil(t, state.Title)
	assert.Equal(t, float64(0), state.Time)
	assert.Equal(t, store.StatePaused, state.State)

	users := decodeAs[[]UserInfo](t, expectEvent(t, conn, EventUserListUpdated))
	require.Len(t, users, 1)
	assert.Equal(t, DisplayNameType("Alice"), users[0].DisplayName)
	assert.True(t, users[0].IsHost)
}

// A follower joining a room mid-playback is caught up in order: role, full
// snapshot, clock nudge, then the current play/pause mode.
func TestJoin_FollowerReceivesCatchUp(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))

	alice.inject(t, EventHostChangeVideo, ChangeVideoPayload{Url: "u", Title: "movie"})
	waitForEvent(t, alice, EventServerChangeVideo)
	alice.inject(t, EventHostPlay, TimePayload{Time: 42})
	alice.inject(t, EventRequestSync, nil)
	waitForEvent(t, alice, EventSyncState) // playback state settled

	_, bob := connect(t, h)
	bob.inject(t, EventJoinRoom, JoinRoomPayload{RoomId: "R1", DisplayName: "Bob"})

	assigned := decodeAs[HostAssignedPayload](t, expectEvent(t, bob, EventHostAssigned))
	assert.False(t, assigned.IsHost)

	state := decodeAs[SyncStatePayload](t, expectEvent(t, bob, EventSyncState))
	require.NotNil(t, state.Url)
	assert.Equal(t, "u", *state.Url)
	assert.Equal(t, float64(42), state.Time)
	assert.Equal(t, store.StatePlaying, state.State)

	tick := decodeAs[TimePayload](t, expectEvent(t, bob, EventServerSyncTime))
	assert.Equal(t, float64(42), tick.Time)
	play := decodeAs[TimePayload](t, expectEvent(t, bob, EventServerPlay))
	assert.Equal(t, float64(42), play.Time)

	users := decodeAs[[]UserInfo](t, expectEvent(t, bob, EventUserListUpdated))
	require.Len(t, users, 2)
	assert.Equal(t, DisplayNameType("Alice"), users[0].DisplayName)
	assert.True(t, users[0].IsHost)
	assert.Equal(t, DisplayNameType("Bob"), users[1].DisplayName)
	assert.False(t, users[1].IsHost)
}

// Host playback events fan out to followers but never echo to the host.
// The follow-up chat probe proves the host's stream stayed clean: outbound
// events per session are FIFO, so if an echo existed it would precede the
// chat broadcast.
func TestPlayback_HostEventsReachOthersOnly(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))
	waitForEvent(t, alice, EventUserListUpdated) // Bob's arrival

	alice.inject(t, EventHostPlay, TimePayload{Time: 10})
	play := decodeAs[TimePayload](t, waitForEvent(t, bob, EventServerPlay))
	assert.Equal(t, float64(10), play.Time)

	alice.inject(t, EventHostSeek, TimePayload{Time: 70})
	seek := decodeAs[TimePayload](t, waitForEvent(t, bob, EventServerSeek))
	assert.Equal(t, float64(70), seek.Time)

	alice.inject(t, EventHostPause, TimePayload{Time: 73})
	pause := decodeAs[TimePayload](t, waitForEvent(t, bob, EventServerPause))
	assert.Equal(t, float64(73), pause.Time)

	alice.inject(t, EventChatMessage, ChatMessagePayload{Body: "probe"})
	msg := alice.nextMessage(t)
	assert.Equal(t, EventNewChatMessage, msg.Event, "host must not receive echoes of its own playback events")

	alice.inject(t, EventRequestSync, nil)
	state := decodeAs[SyncStatePayload](t, waitForEvent(t, alice, EventSyncState))
	assert.Equal(t, float64(73), state.Time)
	assert.Equal(t, store.StatePaused, state.State)
}

// Host events from a follower are dropped silently: no error reply, no
// broadcast, no state change.
func TestPlayback_NonHostEventsIgnored(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))
	waitForEvent(t, alice, EventUserListUpdated) // drain Bob's arrival

	bob.inject(t, EventHostPlay, TimePayload{Time: 99})
	bob.inject(t, EventHostSeek, TimePayload{Time: 99})
	bob.inject(t, EventRequestSync, nil)

	state := decodeAs[SyncStatePayload](t, expectEvent(t, bob, EventSyncState))
	assert.Equal(t, float64(0), state.Time, "follower events must not move the clock")
	assert.Equal(t, store.StatePaused, state.State)

	expectNoEvent(t, alice, 100*time.Millisecond)
}

// change-video resets the clock and pauses; everyone, host included, gets
// the broadcast. An empty url clears the video back to null.
func TestPlayback_ChangeVideoResetsState(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))

	alice.inject(t, EventHostPlay, TimePayload{Time: 50})
	alice.inject(t, EventHostChangeVideo, ChangeVideoPayload{Url: "u2", Title: "sequel"})
	changed := decodeAs[ChangeVideoPayload](t, waitForEvent(t, alice, EventServerChangeVideo))
	assert.Equal(t, "u2", changed.Url)
	assert.Equal(t, "sequel", changed.Title)

	alice.inject(t, EventRequestSync, nil)
	state := decodeAs[SyncStatePayload](t, expectEvent(t, alice, EventSyncState))
	require.NotNil(t, state.Url)
	assert.Equal(t, "u2", *state.Url)
	assert.Equal(t, float64(0), state.Time)
	assert.Equal(t, store.StatePaused, state.State)

	alice.inject(t, EventHostChangeVideo, ChangeVideoPayload{})
	waitForEvent(t, alice, EventServerChangeVideo)
	alice.inject(t, EventRequestSync, nil)
	state = decodeAs[SyncStatePayload](t, expectEvent(t, alice, EventSyncState))
	assert.Nil(t, state.Url)
	assert.Nil(t, state.Title)
}

// When the host drops, the longest-tenured member inherits authority.
func TestSuccession_EarliestMemberInheritsHost(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))
	_, carol := connect(t, h)
	require.False(t, joinRoom(t, carol, "R1", "Carol"))

	alice.Close()

	assigned := decodeAs[HostAssignedPayload](t, waitForEvent(t, bob, EventHostAssigned))
	assert.True(t, assigned.IsHost)

	left := decodeAs[UserPayload](t, waitForEvent(t, carol, EventUserLeft))
	assert.Equal(t, DisplayNameType("Alice"), left.DisplayName)
	users := decodeAs[[]UserInfo](t, waitForEvent(t, carol, EventUserListUpdated))
	require.Len(t, users, 2)
	assert.Equal(t, DisplayNameType("Bob"), users[0].DisplayName)
	assert.True(t, users[0].IsHost)
}

// The original host reclaims authority on reconnect; the stand-in steps
// down and sees the refreshed roster.
func TestSuccession_OriginalHostReclaims(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))

	alice.Close()
	assigned := decodeAs[HostAssignedPayload](t, waitForEvent(t, bob, EventHostAssigned))
	require.True(t, assigned.IsHost)

	_, alice2 := connect(t, h)
	alice2.inject(t, EventJoinRoom, JoinRoomPayload{RoomId: "R1", DisplayName: "Alice"})

	regained := decodeAs[HostAssignedPayload](t, expectEvent(t, alice2, EventHostAssigned))
	assert.True(t, regained.IsHost, "recorded host must reclaim on rejoin")

	demoted := decodeAs[HostAssignedPayload](t, waitForEvent(t, bob, EventHostAssigned))
	assert.False(t, demoted.IsHost)
	users := decodeAs[[]UserInfo](t, waitForEvent(t, bob, EventUserListUpdated))
	require.Len(t, users, 2)
	for _, u := range users {
		assert.Equal(t, u.DisplayName == "Alice", u.IsHost)
	}
}

// The sync ticker asks the host for its clock; the answer fans out to the
// whole room, the host included.
func TestSyncTicker_RequestsAndFansOutHostTime(t *testing.T) {
	h := newTestHub(t, nil)
	h.syncInterval = 30 * time.Millisecond

	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))

	waitForEvent(t, alice, EventRequestHostTime)
	alice.inject(t, EventHostReportTime, TimePayload{Time: 42})

	fromBob := decodeAs[TimePayload](t, waitForEvent(t, bob, EventServerSyncTime))
	assert.Equal(t, float64(42), fromBob.Time)
	fromAlice := decodeAs[TimePayload](t, waitForEvent(t, alice, EventServerSyncTime))
	assert.Equal(t, float64(42), fromAlice.Time)
}

// Chat messages persist and fan out to everyone including the author.
func TestChat_PersistsAndBroadcasts(t *testing.T) {
	st := store.NewMemoryStore()
	h := newTestHub(t, st)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))

	alice.inject(t, EventChatMessage, ChatMessagePayload{Body: "hello"})

	got := decodeAs[ChatBroadcastPayload](t, waitForEvent(t, bob, EventNewChatMessage))
	assert.Equal(t, "Alice", got.Author)
	assert.Equal(t, "hello", got.Body)
	assert.NotZero(t, got.Timestamp)
	echo := decodeAs[ChatBroadcastPayload](t, waitForEvent(t, alice, EventNewChatMessage))
	assert.Equal(t, "hello", echo.Body)

	require.Eventually(t, func() bool {
		msgs, err := st.ListByRoom(context.Background(), "R1", 10, true)
		return err == nil && len(msgs) == 1 && msgs[0].Body == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

// A joiner replays the most recent persisted history in timestamp order,
// capped at the replay limit.
func TestChat_JoinReplaysRecentHistory(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 1; i <= 60; i++ {
		require.NoError(t, st.Append(context.Background(), &store.Message{
			ID:        fmt.Sprintf("m%d", i),
			RoomID:    "R1",
			Author:    "Alice",
			Body:      fmt.Sprintf("msg %d", i),
			Timestamp: int64(i),
		}))
	}
	require.NoError(t, st.Create(context.Background(), &store.Room{
		RoomID:          "R1",
		HostDisplayName: "Alice",
		LastKnownState:  store.StatePaused,
	}))

	h := newTestHub(t, st)
	_, conn := connect(t, h)
	conn.inject(t, EventJoinRoom, JoinRoomPayload{RoomId: "R1", DisplayName: "Alice"})
	waitForEvent(t, conn, EventUserListUpdated)

	var got []ChatBroadcastPayload
	for i := 0; i < chatReplayLimit; i++ {
		got = append(got, decodeAs[ChatBroadcastPayload](t, expectEvent(t, conn, EventNewChatMessage)))
	}
	assert.Equal(t, int64(11), got[0].Timestamp, "replay starts at the oldest of the last 50")
	assert.Equal(t, int64(60), got[len(got)-1].Timestamp)
	expectNoEvent(t, conn, 50*time.Millisecond)
}

// With the store down, joins still work, playback still syncs, and chat
// still broadcasts; only durability and replay degrade.
func TestStoreOutage_RoomContinuesInMemory(t *testing.T) {
	h := newTestHub(t, failingStore{})
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))

	alice.inject(t, EventHostPlay, TimePayload{Time: 5})
	play := decodeAs[TimePayload](t, waitForEvent(t, bob, EventServerPlay))
	assert.Equal(t, float64(5), play.Time)

	bob.inject(t, EventChatMessage, ChatMessagePayload{Body: "still here"})
	msg := decodeAs[ChatBroadcastPayload](t, waitForEvent(t, alice, EventNewChatMessage))
	assert.Equal(t, "still here", msg.Body)
}

// The roster endpoint answers only the requester.
func TestRequestUserList_RepliesToSender(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))
	waitForEvent(t, alice, EventUserListUpdated)

	bob.inject(t, EventRequestUserList, nil)
	users := decodeAs[[]UserInfo](t, expectEvent(t, bob, EventUserListUpdated))
	require.Len(t, users, 2)
	expectNoEvent(t, alice, 100*time.Millisecond)
}

// Negative times are clamped so the clock never precedes the video start.
func TestPlayback_NegativeTimeClamped(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))

	alice.inject(t, EventHostSeek, TimePayload{Time: -12})
	alice.inject(t, EventRequestSync, nil)
	state := decodeAs[SyncStatePayload](t, expectEvent(t, alice, EventSyncState))
	assert.Equal(t, float64(0), state.Time)
}

// Playback survives a full room teardown: state is flushed to the store and
// restored when the room is activated again.
func TestPersistence_PlaybackSurvivesRoomTeardown(t *testing.T) {
	st := store.NewMemoryStore()
	h := newTestHub(t, st)

	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	alice.inject(t, EventHostChangeVideo, ChangeVideoPayload{Url: "u", Title: "t"})
	waitForEvent(t, alice, EventServerChangeVideo)
	alice.inject(t, EventHostPlay, TimePayload{Time: 33})
	alice.inject(t, EventRequestSync, nil)
	waitForEvent(t, alice, EventSyncState)

	alice.Close()
	require.Eventually(t, func() bool { return h.RoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, bob := connect(t, h)
	bob.inject(t, EventJoinRoom, JoinRoomPayload{RoomId: "R1", DisplayName: "Bob"})
	waitForEvent(t, bob, EventHostAssigned)
	state := decodeAs[SyncStatePayload](t, expectEvent(t, bob, EventSyncState))
	require.NotNil(t, state.Url)
	assert.Equal(t, "u", *state.Url)
	assert.Equal(t, float64(33), state.Time)
	assert.Equal(t, store.StatePlaying, state.State)
}

// Events published by a peer instance land on every local member, and
// sessions named in the publisher's exclusion list are skipped.
func TestRoom_RelaysPeerInstanceEvents(t *testing.T) {
	mr := miniredis.RunT(t)

	local, err := bus.NewService(mr.Addr(), "", "instance-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote, err := bus.NewService(mr.Addr(), "", "instance-b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	h := newTestHubWithBus(t, nil, local)

	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	bobClient, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))

	// A host on the peer instance pressed play.
	require.NoError(t, remote.Publish(context.Background(), "R1",
		string(EventServerPlay), TimePayload{Time: 12}, nil))

	p := decodeAs[TimePayload](t, waitForEvent(t, alice, EventServerPlay))
	assert.Equal(t, float64(12), p.Time)
	decodeAs[TimePayload](t, waitForEvent(t, bob, EventServerPlay))

	require.NoError(t, remote.Publish(context.Background(), "R1",
		string(EventServerPause), TimePayload{Time: 30}, []string{string(bobClient.ID)}))

	decodeAs[TimePayload](t, waitForEvent(t, alice, EventServerPause))
	expectNoEvent(t, bob, 150*time.Millisecond)
}
