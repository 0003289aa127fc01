package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reader-realtime/internal/storetest"
)

func TestSetUserOnlineAndOffline(t *testing.T) {
	store := storetest.NewMemoryStore()
	tracker := NewTracker(store)

	require.NoError(t, tracker.SetUserOnline("u1", true))
	require.NoError(t, tracker.SetUserOnline("u2", true))
	assert.ElementsMatch(t, []string{"u1", "u2"}, tracker.OnlineUsers())

	require.NoError(t, tracker.SetUserOnline("u1", false))
	assert.ElementsMatch(t, []string{"u2"}, tracker.OnlineUsers())
}

func TestSetUserOnlineIsIdempotent(t *testing.T) {
	store := storetest.NewMemoryStore()
	tracker := NewTracker(store)

	require.NoError(t, tracker.SetUserOnline("u1", true))
	require.NoError(t, tracker.SetUserOnline("u1", true))
	assert.ElementsMatch(t, []string{"u1"}, tracker.OnlineUsers())

	require.NoError(t, tracker.SetUserOnline("u1", false))
	require.NoError(t, tracker.SetUserOnline("u1", false))
	assert.Empty(t, tracker.OnlineUsers())
}

func TestLastSeenSurvivesGoingOffline(t *testing.T) {
	store := storetest.NewMemoryStore()
	tracker := NewTracker(store)

	seenAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tracker.now = func() time.Time { return seenAt }

	require.NoError(t, tracker.SetUserOnline("u1", true))
	require.NoError(t, tracker.SetUserOnline("u1", false))

	assert.Equal(t, seenAt, tracker.LastSeen("u1"))
}

func TestOnlineUsersFailsOpen(t *testing.T) {
	store := storetest.NewMemoryStore()
	tracker := NewTracker(store)

	require.NoError(t, tracker.SetUserOnline("u1", true))
	store.PresenceErr = errors.New("connection refused")

	users := tracker.OnlineUsers()
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestSnapshot(t *testing.T) {
	store := storetest.NewMemoryStore()
	tracker := NewTracker(store)

	seenAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tracker.now = func() time.Time { return seenAt }

	require.NoError(t, tracker.SetUserOnline("u1", true))
	require.NoError(t, tracker.SetUserOnline("u2", true))

	snapshot := tracker.Snapshot()
	assert.Equal(t, 2, snapshot.Count)
	require.Len(t, snapshot.Readers, 2)
	for _, reader := range snapshot.Readers {
		assert.Contains(t, []string{"u1", "u2"}, reader.UserID)
		assert.Equal(t, seenAt, reader.LastActivity)
	}
}
