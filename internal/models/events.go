package models

import (
	"time"

	"github.com/goccy/go-json"
)

// EventType tags a reader-activity event. The broadcaster only routes types
// it knows about; unknown types are dropped with a warning.
type EventType string

const (
	EventLogin            EventType = "LOGIN"
	EventLogout           EventType = "LOGOUT"
	EventPageSync         EventType = "PAGE_SYNC"
	EventSectionSync      EventType = "SECTION_SYNC"
	EventDefinitionLookup EventType = "DEFINITION_LOOKUP"
	EventAIQuery          EventType = "AI_QUERY"
	EventHelpRequest      EventType = "HELP_REQUEST"
	EventFeedback         EventType = "FEEDBACK"
	EventNoteCreation     EventType = "NOTE_CREATION"
	EventQuizAttempt      EventType = "QUIZ_ATTEMPT"
)

var knownEventTypes = map[EventType]bool{
	EventLogin:            true,
	EventLogout:           true,
	EventPageSync:         true,
	EventSectionSync:      true,
	EventDefinitionLookup: true,
	EventAIQuery:          true,
	EventHelpRequest:      true,
	EventFeedback:         true,
	EventNoteCreation:     true,
	EventQuizAttempt:      true,
}

// Known reports whether t is one of the event types the service routes.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// RealTimeEvent is the unit of work flowing through the system. Events are
// immutable once created; retries re-deliver the same payload.
type RealTimeEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	EventType EventType       `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// QueueEntry wraps a RealTimeEvent inside the durable queue. RetryCount is
// monotonically non-decreasing; once it exceeds the queue's retry bound the
// entry leaves the live queue for good.
type QueueEntry struct {
	Event      *RealTimeEvent `json:"event"`
	RetryCount int            `json:"retryCount"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	LastError  string         `json:"lastError,omitempty"`
}

// DeadLetterEntry is a queue entry that permanently failed processing, kept
// for inspection rather than silently dropped.
type DeadLetterEntry struct {
	Event      *RealTimeEvent `json:"event"`
	RetryCount int            `json:"retryCount"`
	LastError  string         `json:"lastError"`
	FailedAt   time.Time      `json:"failedAt"`
}

// OnlineReader is one row of the presence snapshot pushed to consultant
// dashboards.
type OnlineReader struct {
	UserID       string    `json:"userId"`
	LastActivity time.Time `json:"lastActivity"`
}

// OnlineReadersPayload is the body of an "online-readers" push.
type OnlineReadersPayload struct {
	Count   int            `json:"count"`
	Readers []OnlineReader `json:"readers"`
}

// ReaderActivityPayload is the body of a "reader-activity" push.
type ReaderActivityPayload struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	EventType EventType       `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ServerMessage is the envelope for every server-to-client push.
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ClientMessage is the envelope for every client-to-server message.
type ClientMessage struct {
	Type       string          `json:"type"`
	EventType  EventType       `json:"eventType,omitempty"`
	EventTypes []EventType     `json:"eventTypes,omitempty"`
	Room       string          `json:"room,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// RoomMessage is one payload addressed to every connection in a room.
type RoomMessage struct {
	Room    string
	Payload []byte
}

// BroadcastEnvelope carries one room-scoped payload between server instances
// over the store's pub/sub channel.
type BroadcastEnvelope struct {
	InstanceID string `json:"instanceId"`
	Room       string `json:"room"`
	Payload    []byte `json:"payload"`
}
