// Package queue implements the durable, at-least-once event queue sitting
// between reader clients and the broadcaster. Accepted events survive
// transient processing failures through bounded retries; events that keep
// failing are moved to a dead-letter list so a poisoned payload can never
// block the queue.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"reader-realtime/internal/metrics"
	"reader-realtime/internal/models"
)

// Store is the minimal durable-store surface the queue needs. The Redis
// client implements it in production; tests substitute an in-memory fake.
type Store interface {
	QueueAdd(payload string, dueAt time.Time) error
	QueuePopDue(now time.Time) (string, bool, error)
	QueueLen() (int64, error)
	QueueClear() error
	DeadLetterAdd(payload string) error
	DeadLetterLen() (int64, error)
}

// ErrQueueFull is returned by Enqueue when the queue has reached its
// configured capacity. The producer decides whether to shed or retry.
var ErrQueueFull = errors.New("event queue is full")

// ProcessFunc handles one dequeued event. Returning an error routes the
// event through the retry/dead-letter path.
type ProcessFunc func(event *models.RealTimeEvent) error

// Config carries the queue tuning knobs. All fields are required; the
// wiring layer supplies them.
type Config struct {
	MaxQueueSize  int
	MaxRetries    int
	RetryDelay    time.Duration
	BatchSize     int
	DrainInterval time.Duration
}

func (c Config) validate() error {
	if c.MaxQueueSize <= 0 {
		return errors.New("queue: MaxQueueSize must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("queue: MaxRetries must not be negative")
	}
	if c.RetryDelay <= 0 {
		return errors.New("queue: RetryDelay must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("queue: BatchSize must be positive")
	}
	if c.DrainInterval <= 0 {
		return errors.New("queue: DrainInterval must be positive")
	}
	return nil
}

// Stats is a point-in-time queue snapshot for the /stats endpoint.
type Stats struct {
	QueueSize           int64 `json:"queueSize"`
	DeadLetterQueueSize int64 `json:"dlqSize"`
	Processing          bool  `json:"isProcessing"`
}

// Queue is a FIFO buffer over the shared store. FIFO holds for events that
// are never retried; a retried event is re-appended with a delayed due time
// and loses its original position.
type Queue struct {
	store Store
	cfg   Config

	mu         sync.Mutex
	processing bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func New(store Store, cfg Config) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue: store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Queue{
		store: store,
		cfg:   cfg,
		stop:  make(chan struct{}),
		now:   time.Now,
	}, nil
}

// Enqueue appends a fully-formed event to the durable queue. It fails with
// ErrQueueFull once MaxQueueSize is reached, and propagates store errors so
// the producer can apply its own backpressure.
func (q *Queue) Enqueue(event *models.RealTimeEvent) error {
	if event == nil {
		return errors.New("queue: event is required")
	}

	size, err := q.store.QueueLen()
	if err != nil {
		return fmt.Errorf("queue: failed to read queue size: %w", err)
	}
	if size >= int64(q.cfg.MaxQueueSize) {
		metrics.EventsRejected.Inc()
		return ErrQueueFull
	}

	now := q.now()
	entry := models.QueueEntry{
		Event:      event,
		RetryCount: 0,
		EnqueuedAt: now,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal event %s: %w", event.ID, err)
	}

	if err := q.store.QueueAdd(string(payload), now); err != nil {
		return fmt.Errorf("queue: failed to enqueue event %s: %w", event.ID, err)
	}

	metrics.EventsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(size + 1))
	slog.Debug("[QUEUE] Enqueued event", "type", event.EventType, "user", event.UserID, "id", event.ID)
	return nil
}

// Dequeue pops the oldest due entry, or returns (nil, nil) when nothing is
// due. Store errors propagate to the caller.
func (q *Queue) Dequeue() (*models.QueueEntry, error) {
	payload, ok, err := q.store.QueuePopDue(q.now())
	if err != nil {
		return nil, fmt.Errorf("queue: failed to dequeue: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		// The entry is already off the queue; dropping it is the only way to
		// keep a malformed payload from wedging the drain loop.
		slog.Error("[QUEUE] Dropping malformed queue entry", "error", err)
		return nil, nil
	}
	return &entry, nil
}

// ProcessEvents drains up to BatchSize due entries, invoking callback for
// each. A failing callback routes that one entry through retry/dead-letter
// handling and never aborts the rest of the batch. Only one drain runs at a
// time; overlapping calls return immediately.
func (q *Queue) ProcessEvents(callback ProcessFunc) error {
	if !q.beginDrain() {
		return nil
	}
	defer q.endDrain()

	for i := 0; i < q.cfg.BatchSize; i++ {
		entry, err := q.Dequeue()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Event == nil {
			slog.Error("[QUEUE] Dropping queue entry without event payload")
			continue
		}

		if err := invoke(callback, entry.Event); err != nil {
			metrics.EventsProcessed.WithLabelValues("failure").Inc()
			q.handleFailedEvent(entry, err)
			continue
		}

		metrics.EventsProcessed.WithLabelValues("success").Inc()
		slog.Debug("[QUEUE] Processed event", "type", entry.Event.EventType, "id", entry.Event.ID)
	}

	if size, err := q.store.QueueLen(); err == nil {
		metrics.QueueDepth.Set(float64(size))
	}
	return nil
}

// invoke shields the drain loop from panicking callbacks.
func invoke(callback ProcessFunc, event *models.RealTimeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: callback panic: %v", r)
		}
	}()
	return callback(event)
}

// handleFailedEvent re-enqueues the entry with linear backoff while attempts
// remain, otherwise moves it to the dead-letter list. Failures here are
// logged, not propagated: one event's fate must not stop the batch.
func (q *Queue) handleFailedEvent(entry *models.QueueEntry, cause error) {
	entry.RetryCount++
	entry.LastError = cause.Error()

	if entry.RetryCount <= q.cfg.MaxRetries {
		delay := time.Duration(entry.RetryCount) * q.cfg.RetryDelay
		payload, err := json.Marshal(entry)
		if err != nil {
			slog.Error("[QUEUE] Failed to marshal retry entry", "id", entry.Event.ID, "error", err)
			return
		}
		if err := q.store.QueueAdd(string(payload), q.now().Add(delay)); err != nil {
			slog.Error("[QUEUE] Failed to re-enqueue event", "id", entry.Event.ID, "error", err)
			return
		}
		metrics.EventsRetried.Inc()
		slog.Warn("[QUEUE] Retrying event", "type", entry.Event.EventType, "id", entry.Event.ID,
			"attempt", entry.RetryCount, "delay", delay, "error", cause)
		return
	}

	q.moveToDeadLetterQueue(entry, cause)
}

func (q *Queue) moveToDeadLetterQueue(entry *models.QueueEntry, cause error) {
	dead := models.DeadLetterEntry{
		Event:      entry.Event,
		RetryCount: entry.RetryCount,
		LastError:  cause.Error(),
		FailedAt:   q.now(),
	}
	payload, err := json.Marshal(dead)
	if err != nil {
		slog.Error("[QUEUE] Failed to marshal dead-letter entry", "id", entry.Event.ID, "error", err)
		return
	}
	if err := q.store.DeadLetterAdd(string(payload)); err != nil {
		slog.Error("[QUEUE] Failed to move event to dead-letter queue", "id", entry.Event.ID, "error", err)
		return
	}
	metrics.EventsDeadLettered.Inc()
	slog.Error("[QUEUE] Event failed permanently", "type", entry.Event.EventType, "id", entry.Event.ID,
		"attempts", entry.RetryCount, "error", cause)
}

// StartPeriodicProcessing drains the queue on a fixed interval until
// Shutdown is called. Drain errors are logged; the loop never dies.
func (q *Queue) StartPeriodicProcessing(callback ProcessFunc) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.DrainInterval)
		defer ticker.Stop()

		slog.Info("[QUEUE] Periodic processing started", "interval", q.cfg.DrainInterval)
		for {
			select {
			case <-q.stop:
				slog.Info("[QUEUE] Periodic processing stopped")
				return
			case <-ticker.C:
				if err := q.ProcessEvents(callback); err != nil {
					slog.Error("[QUEUE] Drain cycle failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown stops future drain cycles and blocks until any in-flight cycle
// completes. The store connection is owned and closed by the caller.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
}

// QueueSize returns the live queue length, or 0 when the store read fails.
func (q *Queue) QueueSize() int64 {
	size, err := q.store.QueueLen()
	if err != nil {
		slog.Error("[QUEUE] Failed to read queue size", "error", err)
		return 0
	}
	return size
}

// DeadLetterQueueSize returns the dead-letter length, or 0 on store error.
func (q *Queue) DeadLetterQueueSize() int64 {
	size, err := q.store.DeadLetterLen()
	if err != nil {
		slog.Error("[QUEUE] Failed to read dead-letter queue size", "error", err)
		return 0
	}
	return size
}

// GetStats reports queue sizes and whether a drain is in flight.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	processing := q.processing
	q.mu.Unlock()

	return Stats{
		QueueSize:           q.QueueSize(),
		DeadLetterQueueSize: q.DeadLetterQueueSize(),
		Processing:          processing,
	}
}

// ClearQueue destructively purges the live queue. Callers must guard this.
func (q *Queue) ClearQueue() error {
	if err := q.store.QueueClear(); err != nil {
		return fmt.Errorf("queue: failed to clear queue: %w", err)
	}
	metrics.QueueDepth.Set(0)
	slog.Warn("[QUEUE] Event queue cleared")
	return nil
}

func (q *Queue) beginDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing {
		return false
	}
	q.processing = true
	return true
}

func (q *Queue) endDrain() {
	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}
