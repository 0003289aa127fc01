package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"reader-realtime/internal/models"
)

const (
	queueKey          = "event_queue"
	deadLetterKey     = "dead_letter_queue"
	onlineUsersKey    = "online_users"
	lastSeenKeyPrefix = "user_last_seen:"
	historyKeyPrefix  = "events:"
	broadcastChannel  = "realtime:broadcast"

	deadLetterTTL = 7 * 24 * time.Hour
	historyTTL    = 24 * time.Hour
)

// Client wraps the shared Redis connection. The store is the single source of
// truth for queue contents and presence state across all server instances.
type Client struct {
	rdb        *redis.Client
	ctx        context.Context
	instanceID string
	seq        uint64
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("[REDIS] Connected", "addr", opt.Addr)

	return &Client{
		rdb:        rdb,
		ctx:        ctx,
		instanceID: uuid.New().String(),
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// InstanceID identifies this server process on the broadcast channel so the
// subscriber loop can skip envelopes this process published itself.
func (c *Client) InstanceID() string {
	return c.instanceID
}

func (c *Client) Ping() error {
	return c.rdb.Ping(c.ctx).Err()
}

// Queue operations

// queueMember prefixes the payload with a zero-padded monotonic sequence.
// Entries sharing a due-time millisecond share a ZSET score and fall back to
// lexicographic member order, so the prefix keeps them in insertion order.
func queueMember(seq uint64, payload string) string {
	return fmt.Sprintf("%016d|%s", seq, payload)
}

// queuePayload strips the sequence prefix from a stored member.
func queuePayload(member string) string {
	if i := strings.IndexByte(member, '|'); i >= 0 {
		return member[i+1:]
	}
	return member
}

// QueueAdd appends a serialized queue entry, scored by the time it becomes
// due for delivery.
func (c *Client) QueueAdd(payload string, dueAt time.Time) error {
	member := queueMember(atomic.AddUint64(&c.seq, 1), payload)
	return c.rdb.ZAdd(c.ctx, queueKey, &redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: member,
	}).Err()
}

// QueuePopDue removes and returns the oldest entry whose due time has passed.
// The second return value is false when nothing is due.
func (c *Client) QueuePopDue(now time.Time) (string, bool, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	members, err := c.rdb.ZRangeByScore(c.ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: 1,
	}).Result()
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}

	// Not atomic with the range above. The drain-loop overlap guard keeps one
	// process from racing itself; a cross-process race only means the entry
	// is redelivered, which at-least-once delivery already allows.
	removed, err := c.rdb.ZRem(c.ctx, queueKey, members[0]).Result()
	if err != nil {
		return "", false, err
	}
	if removed == 0 {
		return "", false, nil
	}
	return queuePayload(members[0]), true, nil
}

func (c *Client) QueueLen() (int64, error) {
	return c.rdb.ZCard(c.ctx, queueKey).Result()
}

func (c *Client) QueueClear() error {
	return c.rdb.Del(c.ctx, queueKey).Err()
}

func (c *Client) DeadLetterAdd(payload string) error {
	if err := c.rdb.LPush(c.ctx, deadLetterKey, payload).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(c.ctx, deadLetterKey, deadLetterTTL).Err()
}

func (c *Client) DeadLetterLen() (int64, error) {
	return c.rdb.LLen(c.ctx, deadLetterKey).Result()
}

// Presence operations

func (c *Client) AddOnlineUser(userID string, seenAt time.Time) error {
	if err := c.rdb.SAdd(c.ctx, onlineUsersKey, userID).Err(); err != nil {
		return err
	}
	return c.rdb.Set(c.ctx, lastSeenKeyPrefix+userID, seenAt.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (c *Client) RemoveOnlineUser(userID string) error {
	return c.rdb.SRem(c.ctx, onlineUsersKey, userID).Err()
}

func (c *Client) OnlineUsers() ([]string, error) {
	return c.rdb.SMembers(c.ctx, onlineUsersKey).Result()
}

func (c *Client) LastSeen(userID string) (time.Time, error) {
	raw, err := c.rdb.Get(c.ctx, lastSeenKeyPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last-seen timestamp for %s: %w", userID, err)
	}
	return t, nil
}

// Event history

// StoreEvent appends an event to the per-session audit trail. History is a
// best-effort replay source for new dashboard subscribers, not the durable
// system of record.
func (c *Client) StoreEvent(event *models.RealTimeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	key := historyKeyPrefix + event.UserID + ":" + event.SessionID
	if err := c.rdb.LPush(c.ctx, key, payload).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(c.ctx, key, historyTTL).Err()
}

// RecentEvents returns up to limit events across all sessions, newest first.
func (c *Client) RecentEvents(limit int) ([]*models.RealTimeEvent, error) {
	keys, err := c.rdb.Keys(c.ctx, historyKeyPrefix+"*").Result()
	if err != nil {
		return nil, err
	}

	events := make([]*models.RealTimeEvent, 0, limit)
	for _, key := range keys {
		raw, err := c.rdb.LRange(c.ctx, key, 0, int64(limit-1)).Result()
		if err != nil {
			return nil, err
		}
		for _, item := range raw {
			var event models.RealTimeEvent
			if err := json.Unmarshal([]byte(item), &event); err != nil {
				slog.Warn("[REDIS] Skipping malformed history entry", "key", key, "error", err)
				continue
			}
			events = append(events, &event)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Cross-instance broadcast

// PublishBroadcast fans a room-scoped payload out to the other server
// instances sharing this store.
func (c *Client) PublishBroadcast(room string, payload []byte) error {
	envelope := models.BroadcastEnvelope{
		InstanceID: c.instanceID,
		Room:       room,
		Payload:    payload,
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast envelope: %w", err)
	}

	if err := c.rdb.Publish(c.ctx, broadcastChannel, raw).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish broadcast", "room", room, "error", err)
		return err
	}
	return nil
}
