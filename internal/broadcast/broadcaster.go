// Package broadcast routes reader-activity events to logical rooms and fans
// them out over the connected transport. Room membership bookkeeping here is
// a best-effort local cache: it starts empty on process start and is rebuilt
// from join events, while the transport's own state stays authoritative.
package broadcast

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"reader-realtime/internal/auth"
	"reader-realtime/internal/metrics"
	"reader-realtime/internal/models"
	"reader-realtime/internal/presence"
)

// Room names. Consultant dashboards join the global room (plus support for
// help-desk traffic); each reader gets a per-user room; consultants filtering
// by event type join the matching event rooms.
const (
	RoomConsultants = "consultant:global"
	RoomSupport     = "consultant:support"

	userRoomPrefix  = "user:"
	eventRoomPrefix = "event:"
)

// UserRoom names the per-user room for one reader.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// EventRoom names the room carrying only one event type.
func EventRoom(eventType models.EventType) string {
	return eventRoomPrefix + string(eventType)
}

// Transport pushes one payload to every connection in a room. Fan-out is
// best-effort; a slow connection must not block the others.
type Transport interface {
	EmitToRoom(room string, payload []byte)
}

// Connection is one authenticated transport connection.
type Connection interface {
	ID() string
	UserID() string
	Role() auth.Role
	Join(room string)
	Leave(room string)
	Rooms() []string
	Send(payload []byte) error
}

// Relay republishes room payloads to peer server instances. Nil disables
// cross-instance fan-out.
type Relay interface {
	PublishBroadcast(room string, payload []byte) error
}

// History replays recent events to newly subscribed dashboards.
type History interface {
	RecentEvents(limit int) ([]*models.RealTimeEvent, error)
}

// Broadcaster resolves target rooms for events and keeps room membership in
// sync with connection lifecycle.
type Broadcaster struct {
	transport    Transport
	tracker      *presence.Tracker
	history      History
	relay        Relay
	historyLimit int

	mu          sync.RWMutex
	activeRooms map[string]map[string]struct{}
}

func New(transport Transport, tracker *presence.Tracker, history History, relay Relay, historyLimit int) *Broadcaster {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Broadcaster{
		transport:    transport,
		tracker:      tracker,
		history:      history,
		relay:        relay,
		historyLimit: historyLimit,
		activeRooms:  make(map[string]map[string]struct{}),
	}
}

// DetermineTargetRooms resolves the rooms an event is delivered to. It is a
// pure function of event type and user ID: every known event reaches the
// consultant dashboard, the sending user's room, and its event-type room;
// help-desk traffic additionally reaches the support room. Unknown event
// types resolve to no rooms.
func DetermineTargetRooms(event *models.RealTimeEvent) []string {
	if event == nil || !event.EventType.Known() {
		return nil
	}

	rooms := []string{
		RoomConsultants,
		UserRoom(event.UserID),
		EventRoom(event.EventType),
	}
	if event.EventType == models.EventHelpRequest || event.EventType == models.EventFeedback {
		rooms = append(rooms, RoomSupport)
	}
	return rooms
}

// BroadcastEvent pushes one event to all of its target rooms. LOGIN and
// LOGOUT additionally refresh the online-readers view on every dashboard.
func (b *Broadcaster) BroadcastEvent(event *models.RealTimeEvent) error {
	rooms := DetermineTargetRooms(event)
	if len(rooms) == 0 {
		slog.Warn("[BROADCAST] Dropping event with unknown type",
			"type", event.EventType, "user", event.UserID, "id", event.ID)
		return nil
	}

	payload, err := json.Marshal(models.ServerMessage{
		Type: "reader-activity",
		Data: models.ReaderActivityPayload{
			ID:        event.ID,
			UserID:    event.UserID,
			EventType: event.EventType,
			Data:      event.EventData,
			Timestamp: event.Timestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("broadcast: failed to marshal event %s: %w", event.ID, err)
	}

	for _, room := range rooms {
		b.emit(room, payload)
	}

	if event.EventType == models.EventLogin || event.EventType == models.EventLogout {
		b.UpdateOnlineReaders()
	}

	slog.Debug("[BROADCAST] Broadcasted event", "type", event.EventType, "user", event.UserID, "rooms", len(rooms))
	return nil
}

// emit pushes to local room members and relays to peer instances.
func (b *Broadcaster) emit(room string, payload []byte) {
	b.transport.EmitToRoom(room, payload)
	metrics.BroadcastsEmitted.WithLabelValues(roomKind(room)).Inc()

	if b.relay != nil {
		if err := b.relay.PublishBroadcast(room, payload); err != nil {
			slog.Error("[BROADCAST] Relay publish failed", "room", room, "error", err)
		}
	}
}

func roomKind(room string) string {
	switch {
	case room == RoomConsultants:
		return "consultant"
	case room == RoomSupport:
		return "support"
	case strings.HasPrefix(room, userRoomPrefix):
		return "user"
	case strings.HasPrefix(room, eventRoomPrefix):
		return "event"
	default:
		return "other"
	}
}

// JoinRoom subscribes the connection on the transport and records it in the
// local bookkeeping. Joining twice is a no-op. Consultant-room joins get the
// one-time initial catch-up push.
func (b *Broadcaster) JoinRoom(conn Connection, room string) {
	conn.Join(room)

	b.mu.Lock()
	members, ok := b.activeRooms[room]
	if !ok {
		members = make(map[string]struct{})
		b.activeRooms[room] = members
	}
	_, already := members[conn.ID()]
	members[conn.ID()] = struct{}{}
	b.mu.Unlock()

	if !already {
		slog.Debug("[BROADCAST] Connection joined room", "conn", conn.ID(), "user", conn.UserID(), "room", room)
	}

	if room == RoomConsultants {
		b.SendInitialConsultantData(conn)
	}
}

// LeaveRoom unsubscribes the connection and drops it from bookkeeping.
// Leaving a room that was never joined is harmless.
func (b *Broadcaster) LeaveRoom(conn Connection, room string) {
	conn.Leave(room)

	b.mu.Lock()
	if members, ok := b.activeRooms[room]; ok {
		delete(members, conn.ID())
		if len(members) == 0 {
			delete(b.activeRooms, room)
		}
	}
	b.mu.Unlock()

	slog.Debug("[BROADCAST] Connection left room", "conn", conn.ID(), "user", conn.UserID(), "room", room)
}

// SendInitialConsultantData replays the presence snapshot and recent event
// history to one newly subscribed dashboard so it does not start blank. This
// is a one-time catch-up, not a subscription; failures are logged only.
func (b *Broadcaster) SendInitialConsultantData(conn Connection) {
	snapshot := b.tracker.Snapshot()
	payload, err := json.Marshal(models.ServerMessage{Type: "online-readers", Data: snapshot})
	if err != nil {
		slog.Error("[BROADCAST] Failed to marshal presence snapshot", "error", err)
	} else if err := conn.Send(payload); err != nil {
		slog.Warn("[BROADCAST] Failed to send initial presence snapshot", "conn", conn.ID(), "error", err)
		return
	}

	if b.history == nil {
		return
	}
	recent, err := b.history.RecentEvents(b.historyLimit)
	if err != nil {
		slog.Error("[BROADCAST] Failed to load recent events", "conn", conn.ID(), "error", err)
		return
	}
	payload, err = json.Marshal(models.ServerMessage{Type: "recent-events", Data: recent})
	if err != nil {
		slog.Error("[BROADCAST] Failed to marshal recent events", "error", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		slog.Warn("[BROADCAST] Failed to send recent events", "conn", conn.ID(), "error", err)
	}
}

// UpdateOnlineReaders rebroadcasts the full online-readers snapshot to every
// consultant dashboard. Called after any presence change.
func (b *Broadcaster) UpdateOnlineReaders() {
	snapshot := b.tracker.Snapshot()
	payload, err := json.Marshal(models.ServerMessage{Type: "online-readers", Data: snapshot})
	if err != nil {
		slog.Error("[BROADCAST] Failed to marshal online-readers snapshot", "error", err)
		return
	}
	b.emit(RoomConsultants, payload)
}

// HandleUserConnection marks the user online, joins the role-appropriate
// rooms, and refreshes the dashboards.
func (b *Broadcaster) HandleUserConnection(conn Connection) {
	userID := conn.UserID()
	if userID == "" {
		return
	}

	if err := b.tracker.SetUserOnline(userID, true); err != nil {
		slog.Error("[BROADCAST] Failed to mark user online", "user", userID, "error", err)
	}

	switch conn.Role() {
	case auth.RoleConsultant:
		b.JoinRoom(conn, RoomConsultants)
		b.JoinRoom(conn, RoomSupport)
	case auth.RoleReader:
		b.JoinRoom(conn, UserRoom(userID))
	}

	slog.Info("[BROADCAST] User connected", "user", userID, "role", conn.Role(), "conn", conn.ID())
	b.UpdateOnlineReaders()
}

// HandleUserDisconnection marks the user offline and removes the connection
// from every room. It is deliberately defensive: it completes even for
// connections that never finished registering, and sweeps the local
// bookkeeping in case the transport's room list is already gone.
func (b *Broadcaster) HandleUserDisconnection(conn Connection) {
	if conn == nil {
		return
	}

	if userID := conn.UserID(); userID != "" {
		if err := b.tracker.SetUserOnline(userID, false); err != nil {
			slog.Error("[BROADCAST] Failed to mark user offline", "user", userID, "error", err)
		}
	}

	for _, room := range conn.Rooms() {
		b.LeaveRoom(conn, room)
	}

	b.mu.Lock()
	for room, members := range b.activeRooms {
		delete(members, conn.ID())
		if len(members) == 0 {
			delete(b.activeRooms, room)
		}
	}
	b.mu.Unlock()

	slog.Info("[BROADCAST] User disconnected", "user", conn.UserID(), "conn", conn.ID())
	b.UpdateOnlineReaders()
}

// GetRoomOccupants reports the locally known member count for a room. After
// a restart this self-heals as connections rejoin.
func (b *Broadcaster) GetRoomOccupants(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.activeRooms[room])
}

// GetAllRooms lists the locally known rooms, sorted for stable output.
func (b *Broadcaster) GetAllRooms() []string {
	b.mu.RLock()
	rooms := make([]string, 0, len(b.activeRooms))
	for room := range b.activeRooms {
		rooms = append(rooms, room)
	}
	b.mu.RUnlock()

	sort.Strings(rooms)
	return rooms
}

// BroadcastToUser pushes an arbitrary message to one user's room.
func (b *Broadcaster) BroadcastToUser(userID, event string, data interface{}) error {
	return b.emitMessage(UserRoom(userID), event, data)
}

// BroadcastToConsultants pushes an arbitrary message to all dashboards.
func (b *Broadcaster) BroadcastToConsultants(event string, data interface{}) error {
	return b.emitMessage(RoomConsultants, event, data)
}

// BroadcastToSupport pushes an arbitrary message to the support room.
func (b *Broadcaster) BroadcastToSupport(event string, data interface{}) error {
	return b.emitMessage(RoomSupport, event, data)
}

func (b *Broadcaster) emitMessage(room, event string, data interface{}) error {
	payload, err := json.Marshal(models.ServerMessage{Type: event, Data: data})
	if err != nil {
		return fmt.Errorf("broadcast: failed to marshal %s message: %w", event, err)
	}
	b.emit(room, payload)
	return nil
}
