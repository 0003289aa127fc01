package broadcast

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reader-realtime/internal/auth"
	"reader-realtime/internal/models"
	"reader-realtime/internal/presence"
	"reader-realtime/internal/queue"
	"reader-realtime/internal/storetest"
)

type emission struct {
	room    string
	payload string
}

type fakeTransport struct {
	mu        sync.Mutex
	emissions []emission
}

func (t *fakeTransport) EmitToRoom(room string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emissions = append(t.emissions, emission{room: room, payload: string(payload)})
}

func (t *fakeTransport) toRoom(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var payloads []string
	for _, e := range t.emissions {
		if e.room == room {
			payloads = append(payloads, e.payload)
		}
	}
	return payloads
}

type fakeRelay struct {
	mu        sync.Mutex
	published []emission
	err       error
}

func (r *fakeRelay) PublishBroadcast(room string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, emission{room: room, payload: string(payload)})
	return nil
}

type fakeConn struct {
	id     string
	userID string
	role   auth.Role

	mu      sync.Mutex
	rooms   map[string]bool
	sent    []string
	sendErr error
}

func newFakeConn(id, userID string, role auth.Role) *fakeConn {
	return &fakeConn{id: id, userID: userID, role: role, rooms: make(map[string]bool)}
}

func (c *fakeConn) ID() string      { return c.id }
func (c *fakeConn) UserID() string  { return c.userID }
func (c *fakeConn) Role() auth.Role { return c.role }

func (c *fakeConn) Join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

func (c *fakeConn) Leave(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

func (c *fakeConn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, string(payload))
	return nil
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *fakeTransport, *storetest.MemoryStore) {
	t.Helper()
	store := storetest.NewMemoryStore()
	transport := &fakeTransport{}
	tracker := presence.NewTracker(store)
	b := New(transport, tracker, store, nil, 50)
	return b, transport, store
}

func TestDetermineTargetRooms(t *testing.T) {
	event := &models.RealTimeEvent{ID: "e1", UserID: "u1", EventType: models.EventPageSync}

	rooms := DetermineTargetRooms(event)
	assert.Equal(t, []string{"consultant:global", "user:u1", "event:PAGE_SYNC"}, rooms)

	// Pure function: same input, same output.
	assert.Equal(t, rooms, DetermineTargetRooms(event))
}

func TestDetermineTargetRoomsSupportTraffic(t *testing.T) {
	for _, eventType := range []models.EventType{models.EventHelpRequest, models.EventFeedback} {
		rooms := DetermineTargetRooms(&models.RealTimeEvent{UserID: "u1", EventType: eventType})
		assert.Contains(t, rooms, RoomSupport, "%s should reach the support room", eventType)
	}

	rooms := DetermineTargetRooms(&models.RealTimeEvent{UserID: "u1", EventType: models.EventAIQuery})
	assert.NotContains(t, rooms, RoomSupport)
}

func TestDetermineTargetRoomsUnknownType(t *testing.T) {
	assert.Nil(t, DetermineTargetRooms(nil))
	assert.Nil(t, DetermineTargetRooms(&models.RealTimeEvent{UserID: "u1", EventType: "TELEMETRY"}))
}

func TestBroadcastEventUnknownTypeIsDropped(t *testing.T) {
	b, transport, _ := newTestBroadcaster(t)

	err := b.BroadcastEvent(&models.RealTimeEvent{ID: "e1", UserID: "u1", EventType: "TELEMETRY"})
	require.NoError(t, err)
	assert.Empty(t, transport.emissions)
}

func TestBroadcastEventReachesAllTargetRooms(t *testing.T) {
	b, transport, _ := newTestBroadcaster(t)

	event := &models.RealTimeEvent{
		ID:        "e1",
		UserID:    "u1",
		SessionID: "s1",
		EventType: models.EventPageSync,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.BroadcastEvent(event))

	for _, room := range []string{RoomConsultants, "user:u1", "event:PAGE_SYNC"} {
		payloads := transport.toRoom(room)
		require.Len(t, payloads, 1, "room %s", room)
		assert.Contains(t, payloads[0], `"reader-activity"`)
		assert.Contains(t, payloads[0], `"e1"`)
	}
}

func TestBroadcastEventRelaysToPeers(t *testing.T) {
	store := storetest.NewMemoryStore()
	transport := &fakeTransport{}
	relay := &fakeRelay{}
	b := New(transport, presence.NewTracker(store), store, relay, 50)

	event := &models.RealTimeEvent{ID: "e1", UserID: "u1", EventType: models.EventPageSync}
	require.NoError(t, b.BroadcastEvent(event))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Len(t, relay.published, len(transport.emissions))
}

func TestBroadcastEventSurvivesRelayFailure(t *testing.T) {
	store := storetest.NewMemoryStore()
	transport := &fakeTransport{}
	relay := &fakeRelay{err: errors.New("connection refused")}
	b := New(transport, presence.NewTracker(store), store, relay, 50)

	event := &models.RealTimeEvent{ID: "e1", UserID: "u1", EventType: models.EventPageSync}
	require.NoError(t, b.BroadcastEvent(event))
	assert.NotEmpty(t, transport.emissions, "local fan-out proceeds when the relay is down")
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	b, _, _ := newTestBroadcaster(t)
	conn := newFakeConn("c1", "u1", auth.RoleReader)

	b.JoinRoom(conn, "user:u1")
	b.JoinRoom(conn, "user:u1")

	assert.Equal(t, 1, b.GetRoomOccupants("user:u1"))
	assert.True(t, conn.rooms["user:u1"])
}

func TestLeaveRoomNeverJoined(t *testing.T) {
	b, _, _ := newTestBroadcaster(t)
	conn := newFakeConn("c1", "u1", auth.RoleReader)

	b.LeaveRoom(conn, "user:u1")
	assert.Zero(t, b.GetRoomOccupants("user:u1"))
}

func TestJoinConsultantRoomSendsInitialData(t *testing.T) {
	b, _, store := newTestBroadcaster(t)

	require.NoError(t, store.StoreEvent(&models.RealTimeEvent{ID: "e1", UserID: "u1", EventType: models.EventPageSync}))
	require.NoError(t, store.AddOnlineUser("u1", time.Now()))

	conn := newFakeConn("c1", "consultant-1", auth.RoleConsultant)
	b.JoinRoom(conn, RoomConsultants)

	require.Len(t, conn.sent, 2)
	assert.Contains(t, conn.sent[0], `"online-readers"`)
	assert.Contains(t, conn.sent[0], `"u1"`)
	assert.Contains(t, conn.sent[1], `"recent-events"`)
	assert.Contains(t, conn.sent[1], `"e1"`)
}

func TestInitialDataHistoryFailureIsNonFatal(t *testing.T) {
	b, _, store := newTestBroadcaster(t)
	store.HistoryErr = errors.New("connection refused")

	conn := newFakeConn("c1", "consultant-1", auth.RoleConsultant)
	b.JoinRoom(conn, RoomConsultants)

	// The presence snapshot still lands; only the history push is skipped.
	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], `"online-readers"`)
}

func TestInitialDataSendFailureStopsCatchUp(t *testing.T) {
	b, _, store := newTestBroadcaster(t)
	require.NoError(t, store.StoreEvent(&models.RealTimeEvent{ID: "e1", UserID: "u1", EventType: models.EventPageSync}))

	conn := newFakeConn("c1", "consultant-1", auth.RoleConsultant)
	conn.sendErr = errors.New("connection gone")
	b.JoinRoom(conn, RoomConsultants)

	// The snapshot push failed, so the history replay is skipped too.
	assert.Empty(t, conn.sent)
}

func TestHandleUserConnectionByRole(t *testing.T) {
	b, transport, _ := newTestBroadcaster(t)

	reader := newFakeConn("c1", "u1", auth.RoleReader)
	b.HandleUserConnection(reader)
	assert.True(t, reader.rooms["user:u1"])
	assert.False(t, reader.rooms[RoomConsultants])

	consultant := newFakeConn("c2", "consultant-1", auth.RoleConsultant)
	b.HandleUserConnection(consultant)
	assert.True(t, consultant.rooms[RoomConsultants])
	assert.True(t, consultant.rooms[RoomSupport])

	// Each connection refreshed the dashboards.
	assert.NotEmpty(t, transport.toRoom(RoomConsultants))
}

func TestHandleUserDisconnectionCleansUp(t *testing.T) {
	b, _, _ := newTestBroadcaster(t)

	conn := newFakeConn("c1", "u1", auth.RoleReader)
	b.HandleUserConnection(conn)
	assert.Contains(t, b.tracker.OnlineUsers(), "u1")
	assert.Equal(t, 1, b.GetRoomOccupants("user:u1"))

	b.HandleUserDisconnection(conn)
	assert.NotContains(t, b.tracker.OnlineUsers(), "u1")
	assert.Zero(t, b.GetRoomOccupants("user:u1"))
	assert.Empty(t, b.GetAllRooms())
}

func TestHandleUserDisconnectionDefensive(t *testing.T) {
	b, _, _ := newTestBroadcaster(t)

	// Nil and never-registered connections must not panic.
	b.HandleUserDisconnection(nil)
	b.HandleUserDisconnection(newFakeConn("c9", "", auth.RoleReader))
}

func TestGetAllRoomsSorted(t *testing.T) {
	b, _, _ := newTestBroadcaster(t)

	b.JoinRoom(newFakeConn("c1", "u1", auth.RoleReader), "user:u1")
	b.JoinRoom(newFakeConn("c2", "u2", auth.RoleReader), "event:PAGE_SYNC")

	assert.Equal(t, []string{"event:PAGE_SYNC", "user:u1"}, b.GetAllRooms())
}

func TestConvenienceBroadcasts(t *testing.T) {
	b, transport, _ := newTestBroadcaster(t)

	require.NoError(t, b.BroadcastToUser("u1", "note-saved", map[string]string{"noteId": "n1"}))
	require.NoError(t, b.BroadcastToConsultants("announcement", "maintenance at noon"))
	require.NoError(t, b.BroadcastToSupport("ticket-opened", map[string]string{"userId": "u1"}))

	assert.Contains(t, transport.toRoom("user:u1")[0], `"note-saved"`)
	assert.Contains(t, transport.toRoom(RoomConsultants)[0], `"announcement"`)
	assert.Contains(t, transport.toRoom(RoomSupport)[0], `"ticket-opened"`)
}

// TestLoginEventFlow drives an event through the durable queue into the
// broadcaster the way the server's drain loop does.
func TestLoginEventFlow(t *testing.T) {
	store := storetest.NewMemoryStore()
	transport := &fakeTransport{}
	tracker := presence.NewTracker(store)
	b := New(transport, tracker, store, nil, 50)

	q, err := queue.New(store, queue.Config{
		MaxQueueSize:  100,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		BatchSize:     10,
		DrainInterval: time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(&models.RealTimeEvent{
		ID:        "e1",
		UserID:    "u1",
		SessionID: "s1",
		EventType: models.EventLogin,
		Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, q.ProcessEvents(func(event *models.RealTimeEvent) error {
		if err := store.StoreEvent(event); err != nil {
			return err
		}
		if err := tracker.SetUserOnline(event.UserID, true); err != nil {
			return err
		}
		return b.BroadcastEvent(event)
	}))

	assert.Contains(t, tracker.OnlineUsers(), "u1")

	activity := transport.toRoom(RoomConsultants)
	require.NotEmpty(t, activity)
	assert.Contains(t, activity[0], `"e1"`)

	userRoom := transport.toRoom("user:u1")
	require.Len(t, userRoom, 1)
	assert.Contains(t, userRoom[0], `"e1"`)

	// LOGIN also refreshed the online-readers view.
	var sawPresencePush bool
	for _, payload := range activity {
		if strings.Contains(payload, `"online-readers"`) {
			sawPresencePush = true
		}
	}
	assert.True(t, sawPresencePush)
}

func TestBroadcastManyEventsKeepsRoomsIndependent(t *testing.T) {
	b, transport, _ := newTestBroadcaster(t)

	for i := 0; i < 5; i++ {
		userID := fmt.Sprintf("u%d", i)
		require.NoError(t, b.BroadcastEvent(&models.RealTimeEvent{
			ID:        fmt.Sprintf("e%d", i),
			UserID:    userID,
			EventType: models.EventSectionSync,
		}))
	}

	assert.Len(t, transport.toRoom(RoomConsultants), 5)
	assert.Len(t, transport.toRoom("event:SECTION_SYNC"), 5)
	for i := 0; i < 5; i++ {
		assert.Len(t, transport.toRoom(fmt.Sprintf("user:u%d", i)), 1)
	}
}
