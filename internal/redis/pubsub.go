package redis

import (
	"log/slog"

	"github.com/goccy/go-json"

	"reader-realtime/internal/models"
	"reader-realtime/internal/ws"
)

// SubscribeToBroadcasts listens for room payloads published by other server
// instances and forwards them to the local hub. Envelopes carrying this
// instance's own ID are skipped; those were already emitted locally.
func SubscribeToBroadcasts(client *Client, hub *ws.Hub) {
	slog.Info("[REDIS] Starting broadcast subscription", "channel", broadcastChannel)

	pubsub := client.rdb.Subscribe(client.ctx, broadcastChannel)
	defer pubsub.Close()

	// Wait for subscription confirmation before consuming.
	if _, err := pubsub.Receive(client.ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return
	}

	slog.Info("[REDIS] Subscription confirmed, listening for broadcasts")

	ch := pubsub.Channel()

	for msg := range ch {
		var envelope models.BroadcastEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			slog.Error("[REDIS] Error unmarshaling broadcast envelope", "error", err)
			continue
		}

		if envelope.InstanceID == client.instanceID {
			continue
		}

		hub.Broadcast <- &models.RoomMessage{
			Room:    envelope.Room,
			Payload: envelope.Payload,
		}
	}

	slog.Info("[REDIS] Broadcast subscription channel closed")
}
