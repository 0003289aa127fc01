package ws

import (
	"log/slog"
	"sync"

	"reader-realtime/internal/metrics"
	"reader-realtime/internal/models"
)

// Hub maintains active WebSocket connections and their room memberships, and
// fans payloads out to room members. It is the authoritative transport state
// behind the broadcaster's best-effort bookkeeping.
type Hub struct {
	// Map: room -> set of clients
	rooms map[string]map[*Client]bool

	// All registered clients, member of rooms or not
	clients map[*Client]bool

	mu sync.Mutex

	// Unregister requests from closing connections
	unregister chan *Client

	// Broadcast carries room payloads, including relayed ones from peer
	// instances (exported for the Redis subscriber loop)
	Broadcast chan *models.RoomMessage
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		Broadcast:  make(chan *models.RoomMessage, 256),
	}
}

func (h *Hub) Run() {
	slog.Info("[HUB] Starting hub event loop")
	for {
		select {
		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.Broadcast:
			h.broadcastToRoom(message.Room, message.Payload)
		}
	}
}

// EmitToRoom delivers a payload to every client in a room. Fan-out never
// blocks: clients whose send buffer is full are dropped.
func (h *Hub) EmitToRoom(room string, payload []byte) {
	h.broadcastToRoom(room, payload)
}

// registerClient adds the client synchronously. Registration must complete
// before any join is attempted; joinRoom ignores unregistered clients.
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	slog.Info("[HUB] Client registered", "conn", client.id, "user", client.userID, "connections", count)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.removeFromAllRoomsLocked(client)
	close(client.send)

	metrics.ActiveConnections.Set(float64(len(h.clients)))
	slog.Info("[HUB] Client unregistered", "conn", client.id, "user", client.userID, "connections", len(h.clients))
}

func (h *Hub) joinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
}

func (h *Hub) leaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) roomsOf(client *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]string, 0, 4)
	for room, members := range h.rooms {
		if members[client] {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func (h *Hub) broadcastToRoom(room string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok || len(members) == 0 {
		return
	}

	sent := 0
	for client := range members {
		select {
		case client.send <- payload:
			sent++
		default:
			// Client buffer full: drop the client rather than stall the room.
			slog.Warn("[HUB] Client buffer full, disconnecting", "conn", client.id, "user", client.userID)
			delete(h.clients, client)
			h.removeFromAllRoomsLocked(client)
			close(client.send)
			metrics.DroppedClients.Inc()
		}
	}
	slog.Debug("[HUB] Broadcast complete", "room", room, "sent", sent)
}

func (h *Hub) removeFromAllRoomsLocked(client *Client) {
	for room, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// sendToClient queues a payload for one client. Sending happens under the
// hub lock so a concurrently closed client cannot be written to.
func (h *Hub) sendToClient(client *Client, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return errClientGone
	}
	select {
	case client.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomMembers returns the user IDs of a room's current members.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	users := []string{}
	for client := range h.rooms[room] {
		users = append(users, client.userID)
	}
	return users
}
