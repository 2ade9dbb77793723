package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A session that stops draining its outbox is dropped once the buffer
// fills; the coordinator never blocks on a slow reader.
func TestOutbox_OverflowDropsSession(t *testing.T) {
	h := newTestHub(t, nil)
	c := newClient(h, newMockConn(), "slow-session") // pumps never started, nothing drains

	for i := 0; i < sendBufferSize; i++ {
		c.sendEvent(EventServerSyncTime, TimePayload{Time: float64(i)})
	}
	assert.False(t, c.isClosed(), "a full-but-not-overflowing outbox keeps the session")

	c.sendEvent(EventServerSyncTime, TimePayload{Time: 999})
	assert.True(t, c.isClosed(), "overflow must drop the session, not block the sender")
}

func TestDisconnect_IdempotentAndSendSafe(t *testing.T) {
	h := newTestHub(t, nil)
	c := newClient(h, newMockConn(), "s1")

	c.Disconnect()
	assert.NotPanics(t, c.Disconnect)
	assert.True(t, c.isClosed())
	assert.NotPanics(t, func() { c.sendEvent(EventError, ErrorPayload{Message: "late"}) })
}

func TestSetRoom_FirstWriteWins(t *testing.T) {
	h := newTestHub(t, nil)
	c := newClient(h, newMockConn(), "s1")
	r1 := NewRoom("R1", nil, nil, nil)
	r2 := NewRoom("R2", nil, nil, nil)
	t.Cleanup(r1.stop)
	t.Cleanup(r2.stop)

	assert.True(t, c.setRoom(r1))
	assert.False(t, c.setRoom(r2))
	assert.Same(t, r1, c.getRoom())
}

// A failing transport write tears the session down end to end: the member
// is removed and the rest of the room hears about it.
func TestWriteFailure_RemovesMember(t *testing.T) {
	h := newTestHub(t, nil)
	_, alice := connect(t, h)
	require.True(t, joinRoom(t, alice, "R1", "Alice"))
	_, bob := connect(t, h)
	require.False(t, joinRoom(t, bob, "R1", "Bob"))
	waitForEvent(t, alice, EventUserListUpdated)

	bob.setWriteError(errors.New("broken pipe"))
	alice.inject(t, EventChatMessage, ChatMessagePayload{Body: "you there?"})

	left := decodeAs[UserPayload](t, waitForEvent(t, alice, EventUserLeft))
	assert.Equal(t, DisplayNameType("Bob"), left.DisplayName)
	require.Eventually(t, func() bool {
		return h.getOrCreateRoom("R1").MemberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
