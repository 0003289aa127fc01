package ws

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"reader-realtime/internal/auth"
	"reader-realtime/internal/broadcast"
	"reader-realtime/internal/presence"
	"reader-realtime/internal/queue"
)

// Handler wires the transport to the queue, broadcaster, and presence
// tracker, and upgrades authenticated HTTP requests to WebSocket clients.
type Handler struct {
	hub         *Hub
	queue       *queue.Queue
	broadcaster *broadcast.Broadcaster
	tracker     *presence.Tracker
	validator   *auth.Validator
}

func NewHandler(hub *Hub, q *queue.Queue, b *broadcast.Broadcaster, tracker *presence.Tracker, validator *auth.Validator) *Handler {
	return &Handler{
		hub:         hub,
		queue:       q,
		broadcaster: b,
		tracker:     tracker,
		validator:   validator,
	}
}

// ServeWS authenticates the request, upgrades it, and starts the client
// pumps. The auth handshake happens before any event is accepted.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	slog.Debug("[WS] New WebSocket connection request", "from", remoteAddr)

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] No token provided", "from", remoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", claims.Subject, "error", err)
		return
	}

	client := &Client{
		hub:       h.hub,
		handler:   h,
		conn:      conn,
		send:      make(chan []byte, 256),
		id:        uuid.New().String(),
		userID:    claims.Subject,
		role:      claims.Role,
		sessionID: sessionID,
	}
	if client.sessionID == "" {
		client.sessionID = client.id
	}

	slog.Info("[WS] Connection upgraded", "user", client.userID, "role", client.role, "conn", client.id)

	// Registration and room joins complete before the read pump can observe a
	// disconnect. Catch-up pushes land in the send buffer and drain once the
	// write pump starts.
	h.hub.registerClient(client)
	h.broadcaster.HandleUserConnection(client)

	go client.WritePump()
	go client.ReadPump()
}
