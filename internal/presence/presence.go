// Package presence tracks which readers are currently online. State lives in
// the shared store so every server instance sees the same answer; presence is
// advisory, so reads degrade to empty rather than failing.
package presence

import (
	"fmt"
	"log/slog"
	"time"

	"reader-realtime/internal/models"
)

// Store is the shared-set surface the tracker needs from the backing store.
type Store interface {
	AddOnlineUser(userID string, seenAt time.Time) error
	RemoveOnlineUser(userID string) error
	OnlineUsers() ([]string, error)
	LastSeen(userID string) (time.Time, error)
}

// Tracker answers "who is online" with eventual consistency. A user is
// online exactly while their ID is in the shared set; the per-user last-seen
// timestamp is kept for dashboard display, not for the online decision.
type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store: store,
		now:   time.Now,
	}
}

// SetUserOnline marks a user online or offline. Marking online also
// refreshes the last-seen timestamp, so calling it on every observed event
// keeps presence fresh. Marking offline removes set membership but leaves
// the last-seen key for historical queries.
func (t *Tracker) SetUserOnline(userID string, online bool) error {
	if userID == "" {
		return fmt.Errorf("presence: userID is required")
	}

	if online {
		if err := t.store.AddOnlineUser(userID, t.now()); err != nil {
			return fmt.Errorf("presence: failed to mark %s online: %w", userID, err)
		}
		slog.Debug("[PRESENCE] User online", "user", userID)
		return nil
	}

	if err := t.store.RemoveOnlineUser(userID); err != nil {
		return fmt.Errorf("presence: failed to mark %s offline: %w", userID, err)
	}
	slog.Debug("[PRESENCE] User offline", "user", userID)
	return nil
}

// OnlineUsers returns the current members of the shared online set. A store
// error yields an empty slice: a dashboard briefly showing nobody online is
// better than a dashboard showing an error.
func (t *Tracker) OnlineUsers() []string {
	users, err := t.store.OnlineUsers()
	if err != nil {
		slog.Error("[PRESENCE] Failed to read online set", "error", err)
		return []string{}
	}
	if users == nil {
		return []string{}
	}
	return users
}

// LastSeen returns the user's last recorded activity time, zero when the
// user has never been seen or the store read fails.
func (t *Tracker) LastSeen(userID string) time.Time {
	seen, err := t.store.LastSeen(userID)
	if err != nil {
		slog.Error("[PRESENCE] Failed to read last-seen", "user", userID, "error", err)
		return time.Time{}
	}
	return seen
}

// Snapshot builds the online-readers view pushed to consultant dashboards.
func (t *Tracker) Snapshot() models.OnlineReadersPayload {
	users := t.OnlineUsers()
	readers := make([]models.OnlineReader, 0, len(users))
	for _, userID := range users {
		lastSeen := t.LastSeen(userID)
		if lastSeen.IsZero() {
			lastSeen = t.now()
		}
		readers = append(readers, models.OnlineReader{
			UserID:       userID,
			LastActivity: lastSeen,
		})
	}
	return models.OnlineReadersPayload{
		Count:   len(readers),
		Readers: readers,
	}
}
