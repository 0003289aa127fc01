// Package storetest provides an in-memory stand-in for the shared store so
// queue, presence, and broadcaster tests run without Redis.
package storetest

import (
	"sync"
	"time"

	"reader-realtime/internal/models"
)

type queueEntry struct {
	payload string
	due     int64
	seq     int64
}

// MemoryStore implements the store surfaces the service depends on. Error
// fields, when set, make the corresponding operations fail.
type MemoryStore struct {
	mu  sync.Mutex
	seq int64

	queue      []queueEntry
	deadLetter []string

	online   map[string]struct{}
	lastSeen map[string]time.Time

	history []*models.RealTimeEvent

	QueueErr    error
	PresenceErr error
	HistoryErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// Queue surface

func (s *MemoryStore) QueueAdd(payload string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueErr != nil {
		return s.QueueErr
	}
	s.seq++
	s.queue = append(s.queue, queueEntry{payload: payload, due: dueAt.UnixMilli(), seq: s.seq})
	return nil
}

func (s *MemoryStore) QueuePopDue(now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueErr != nil {
		return "", false, s.QueueErr
	}

	nowMs := now.UnixMilli()
	best := -1
	for i, entry := range s.queue {
		if entry.due > nowMs {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if entry.due < s.queue[best].due ||
			(entry.due == s.queue[best].due && entry.seq < s.queue[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return "", false, nil
	}

	payload := s.queue[best].payload
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	return payload, true, nil
}

func (s *MemoryStore) QueueLen() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueErr != nil {
		return 0, s.QueueErr
	}
	return int64(len(s.queue)), nil
}

func (s *MemoryStore) QueueClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueErr != nil {
		return s.QueueErr
	}
	s.queue = nil
	return nil
}

func (s *MemoryStore) DeadLetterAdd(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueErr != nil {
		return s.QueueErr
	}
	s.deadLetter = append(s.deadLetter, payload)
	return nil
}

func (s *MemoryStore) DeadLetterLen() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueErr != nil {
		return 0, s.QueueErr
	}
	return int64(len(s.deadLetter)), nil
}

// DeadLetters returns a copy of the dead-letter payloads for assertions.
func (s *MemoryStore) DeadLetters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deadLetter))
	copy(out, s.deadLetter)
	return out
}

// Presence surface

func (s *MemoryStore) AddOnlineUser(userID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return s.PresenceErr
	}
	s.online[userID] = struct{}{}
	s.lastSeen[userID] = seenAt
	return nil
}

func (s *MemoryStore) RemoveOnlineUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return s.PresenceErr
	}
	delete(s.online, userID)
	return nil
}

func (s *MemoryStore) OnlineUsers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return nil, s.PresenceErr
	}
	users := make([]string, 0, len(s.online))
	for userID := range s.online {
		users = append(users, userID)
	}
	return users, nil
}

func (s *MemoryStore) LastSeen(userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return time.Time{}, s.PresenceErr
	}
	return s.lastSeen[userID], nil
}

// History surface

func (s *MemoryStore) StoreEvent(event *models.RealTimeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return s.HistoryErr
	}
	s.history = append(s.history, event)
	return nil
}

func (s *MemoryStore) RecentEvents(limit int) ([]*models.RealTimeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	events := make([]*models.RealTimeEvent, len(s.history))
	copy(events, s.history)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
