package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reader-realtime/internal/auth"
	"reader-realtime/internal/broadcast"
	"reader-realtime/internal/models"
	"reader-realtime/internal/queue"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var (
	errClientGone     = errors.New("client is no longer registered")
	errSendBufferFull = errors.New("client send buffer is full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin in production
		return true
	},
}

// Client is one authenticated WebSocket connection. It satisfies
// broadcast.Connection.
type Client struct {
	hub       *Hub
	handler   *Handler
	conn      *websocket.Conn
	send      chan []byte
	id        string
	userID    string
	role      auth.Role
	sessionID string
}

func (c *Client) ID() string      { return c.id }
func (c *Client) UserID() string  { return c.userID }
func (c *Client) Role() auth.Role { return c.role }

func (c *Client) Join(room string)  { c.hub.joinRoom(c, room) }
func (c *Client) Leave(room string) { c.hub.leaveRoom(c, room) }
func (c *Client) Rooms() []string   { return c.hub.roomsOf(c) }

// Send queues a payload for this connection only. Used for one-time pushes
// like the initial consultant catch-up.
func (c *Client) Send(payload []byte) error {
	return c.hub.sendToClient(c, payload)
}

// ReadPump pumps messages from the WebSocket into the service.
func (c *Client) ReadPump() {
	defer func() {
		c.handler.broadcaster.HandleUserDisconnection(c)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.userID, "conn", c.id, "error", err)
			}
			break
		}

		c.handleClientMessage(message)
	}
}

// WritePump pumps queued payloads from the hub to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("[CLIENT] Failed to write message", "user", c.userID, "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping", "user", c.userID, "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (c *Client) handleClientMessage(message []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Error("[CLIENT] Error unmarshaling message", "user", c.userID, "conn", c.id, "error", err)
		c.sendError("malformed message")
		return
	}

	switch msg.Type {
	case "reader-event":
		c.handleReaderEvent(&msg)

	case "subscribe-consultant-events":
		c.handleSubscribe(&msg)

	case "unsubscribe-consultant-events":
		c.handleUnsubscribe()

	case "get-online-readers":
		c.handleGetOnlineReaders()

	case "join-room":
		c.handleJoinRoom(msg.Room)

	case "leave-room":
		c.handleLeaveRoom(msg.Room)

	default:
		slog.Warn("[CLIENT] Unknown message type", "type", msg.Type, "user", c.userID, "conn", c.id)
		c.sendError("unknown message type")
	}
}

// handleReaderEvent builds a RealTimeEvent from the message and queues it.
// The producer gets an explicit acknowledgment or an explicit failure it can
// act on; backpressure is never silent.
func (c *Client) handleReaderEvent(msg *models.ClientMessage) {
	if !c.hasRole(auth.RoleReader, auth.RoleAdmin) {
		c.sendError("only readers can send reader events")
		return
	}
	if msg.EventType == "" {
		c.sendError("eventType is required")
		return
	}

	event := &models.RealTimeEvent{
		ID:        uuid.New().String(),
		UserID:    c.userID,
		SessionID: c.sessionID,
		EventType: msg.EventType,
		EventData: msg.Data,
		Timestamp: time.Now().UTC(),
	}

	if err := c.handler.queue.Enqueue(event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			slog.Warn("[CLIENT] Rejecting event, queue full", "user", c.userID, "type", msg.EventType)
			c.sendError("event queue is full, try again later")
			return
		}
		slog.Error("[CLIENT] Failed to enqueue event", "user", c.userID, "type", msg.EventType, "error", err)
		c.sendError("failed to accept event")
		return
	}

	c.sendMessage("reader-event-received", map[string]string{"eventId": event.ID})
}

func (c *Client) handleSubscribe(msg *models.ClientMessage) {
	if !c.hasRole(auth.RoleConsultant, auth.RoleAdmin) {
		c.sendError("only consultants can subscribe")
		return
	}

	c.handler.broadcaster.JoinRoom(c, broadcast.RoomConsultants)

	subscribed := make([]models.EventType, 0, len(msg.EventTypes))
	for _, eventType := range msg.EventTypes {
		if !eventType.Known() {
			slog.Warn("[CLIENT] Ignoring unknown event type in subscription", "type", eventType, "user", c.userID)
			continue
		}
		c.handler.broadcaster.JoinRoom(c, broadcast.EventRoom(eventType))
		subscribed = append(subscribed, eventType)
	}

	c.sendMessage("subscribe-consultant-success", map[string]interface{}{
		"message":    "Successfully subscribed to consultant events",
		"eventTypes": subscribed,
	})
}

func (c *Client) handleUnsubscribe() {
	if !c.hasRole(auth.RoleConsultant, auth.RoleAdmin) {
		c.sendError("only consultants can unsubscribe")
		return
	}

	for _, room := range c.Rooms() {
		if room == broadcast.RoomConsultants || strings.HasPrefix(room, "event:") {
			c.handler.broadcaster.LeaveRoom(c, room)
		}
	}

	c.sendMessage("unsubscribe-consultant-success", map[string]string{
		"message": "Successfully unsubscribed from consultant events",
	})
}

func (c *Client) handleGetOnlineReaders() {
	c.sendMessage("online-readers", c.handler.tracker.Snapshot())
}

func (c *Client) handleJoinRoom(room string) {
	if room == "" {
		c.sendError("room is required")
		return
	}
	if !c.mayAccessRoom(room) {
		c.sendError("not allowed to join room")
		return
	}
	c.handler.broadcaster.JoinRoom(c, room)
}

func (c *Client) handleLeaveRoom(room string) {
	if room == "" {
		c.sendError("room is required")
		return
	}
	c.handler.broadcaster.LeaveRoom(c, room)
}

// mayAccessRoom restricts readers to their own per-user room; consultants
// and admins may join any room.
func (c *Client) mayAccessRoom(room string) bool {
	if c.role == auth.RoleConsultant || c.role == auth.RoleAdmin {
		return true
	}
	return room == broadcast.UserRoom(c.userID)
}

func (c *Client) hasRole(roles ...auth.Role) bool {
	for _, role := range roles {
		if c.role == role {
			return true
		}
	}
	return false
}

func (c *Client) sendMessage(msgType string, data interface{}) {
	payload, err := json.Marshal(models.ServerMessage{Type: msgType, Data: data})
	if err != nil {
		slog.Error("[CLIENT] Failed to marshal server message", "type", msgType, "error", err)
		return
	}
	if err := c.Send(payload); err != nil {
		slog.Warn("[CLIENT] Failed to deliver server message", "type", msgType, "user", c.userID, "error", err)
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage("event-error", map[string]string{"message": message})
}
