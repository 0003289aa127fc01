package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(hub *Hub, id, userID string, buffer int) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, buffer),
		id:     id,
		userID: userID,
	}
}

func drain(c *Client) []string {
	var payloads []string
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return payloads
			}
			payloads = append(payloads, string(payload))
		default:
			return payloads
		}
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "c1", "u1", 4)

	hub.registerClient(client)
	assert.Equal(t, 1, hub.ClientCount())

	hub.unregisterClient(client)
	assert.Zero(t, hub.ClientCount())

	// Unregistering twice must not close the send channel again.
	hub.unregisterClient(client)
}

func TestJoinRequiresRegistration(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "c1", "u1", 4)

	// Not registered yet: join is ignored.
	hub.joinRoom(client, "user:u1")
	assert.Empty(t, hub.RoomMembers("user:u1"))

	hub.registerClient(client)
	hub.joinRoom(client, "user:u1")
	assert.Equal(t, []string{"u1"}, hub.RoomMembers("user:u1"))
}

func TestEmitToRoomDeliversToMembersOnly(t *testing.T) {
	hub := NewHub()
	member := newTestClient(hub, "c1", "u1", 4)
	outsider := newTestClient(hub, "c2", "u2", 4)

	hub.registerClient(member)
	hub.registerClient(outsider)
	hub.joinRoom(member, "consultant:global")

	hub.EmitToRoom("consultant:global", []byte(`{"type":"reader-activity"}`))

	assert.Equal(t, []string{`{"type":"reader-activity"}`}, drain(member))
	assert.Empty(t, drain(outsider))
}

func TestEmitToEmptyRoomIsNoop(t *testing.T) {
	hub := NewHub()
	hub.EmitToRoom("user:nobody", []byte("x"))
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub()
	slow := newTestClient(hub, "c1", "u1", 1)
	fast := newTestClient(hub, "c2", "u2", 4)

	hub.registerClient(slow)
	hub.registerClient(fast)
	hub.joinRoom(slow, "consultant:global")
	hub.joinRoom(fast, "consultant:global")

	// First payload fills the slow client's buffer; the second overflows it.
	hub.EmitToRoom("consultant:global", []byte("one"))
	hub.EmitToRoom("consultant:global", []byte("two"))

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, []string{"u2"}, hub.RoomMembers("consultant:global"))
	assert.Equal(t, []string{"one", "two"}, drain(fast))
}

func TestLeaveRoomCleansUpEmptyRooms(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "c1", "u1", 4)

	hub.registerClient(client)
	hub.joinRoom(client, "event:PAGE_SYNC")
	require.Equal(t, []string{"event:PAGE_SYNC"}, hub.roomsOf(client))

	hub.leaveRoom(client, "event:PAGE_SYNC")
	assert.Empty(t, hub.roomsOf(client))
	assert.Empty(t, hub.RoomMembers("event:PAGE_SYNC"))
}

func TestUnregisterRemovesFromAllRooms(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "c1", "u1", 4)

	hub.registerClient(client)
	hub.joinRoom(client, "user:u1")
	hub.joinRoom(client, "event:PAGE_SYNC")

	hub.unregisterClient(client)
	assert.Empty(t, hub.RoomMembers("user:u1"))
	assert.Empty(t, hub.RoomMembers("event:PAGE_SYNC"))
}

func TestSendToClient(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "c1", "u1", 1)

	hub.registerClient(client)
	require.NoError(t, hub.sendToClient(client, []byte("hello")))

	// Buffer full: the direct send reports it instead of dropping the client.
	assert.ErrorIs(t, hub.sendToClient(client, []byte("again")), errSendBufferFull)

	drain(client)
	hub.unregisterClient(client)
	assert.ErrorIs(t, hub.sendToClient(client, []byte("late")), errClientGone)
}
