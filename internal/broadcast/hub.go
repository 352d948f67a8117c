// Package broadcast is the Broadcast Gateway: an in-process pub/sub hub
// that fans job lifecycle events out to subscribers (the HTTP/WebSocket
// edge, the health monitor, tests) without the publishing path ever
// blocking on a slow or dead subscriber.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// EventType names one kind of lifecycle event.
type EventType string

const (
	EventJobCreated    EventType = "job.created"
	EventJobStarted    EventType = "job.started"
	EventJobProgress   EventType = "job.progress"
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventJobCancelled  EventType = "job.cancelled"
	EventJobTimeout    EventType = "job.timeout"
	EventJobRetrying   EventType = "job.retrying"
)

// Event is one message published through the hub.
type Event struct {
	Type    EventType
	JobID   string
	Payload map[string]interface{}
}

// Handler processes one published Event.
type Handler func(ctx context.Context, event Event) error

// Hub is a thread-safe pub/sub dispatcher keyed by EventType.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	logger      arbor.ILogger
}

// NewHub constructs an empty Hub.
func NewHub(logger arbor.ILogger) *Hub {
	return &Hub{
		subscribers: make(map[EventType][]Handler),
		logger:      logger,
	}
}

// Subscribe registers handler to be invoked for every Event of eventType.
func (h *Hub) Subscribe(eventType EventType, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("broadcast: handler cannot be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[eventType] = append(h.subscribers[eventType], handler)
	return nil
}

// Publish fires handlers for event.Type asynchronously, one goroutine per
// handler. A handler error is logged but never propagated to the caller —
// the orchestration path must never stall on a broadcast failure.
func (h *Hub) Publish(ctx context.Context, event Event) {
	h.mu.RLock()
	handlers := append([]Handler(nil), h.subscribers[event.Type]...)
	h.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		go func(fn Handler) {
			if err := fn(ctx, event); err != nil {
				h.logger.Warn().Err(err).Str("event_type", string(event.Type)).Str("job_id", event.JobID).Msg("broadcast handler failed")
			}
		}(handler)
	}
}

// PublishSync fires handlers for event.Type and waits for all of them to
// return, collecting any errors. For callers that need delivery
// confirmation before proceeding; only the tests call it.
func (h *Hub) PublishSync(ctx context.Context, event Event) error {
	h.mu.RLock()
	handlers := append([]Handler(nil), h.subscribers[event.Type]...)
	h.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))
	for _, handler := range handlers {
		wg.Add(1)
		go func(fn Handler) {
			defer wg.Done()
			if err := fn(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}
	wg.Wait()
	close(errCh)

	var n int
	for range errCh {
		n++
	}
	if n > 0 {
		return fmt.Errorf("broadcast: %d handler(s) failed", n)
	}
	return nil
}

// Close clears all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = make(map[EventType][]Handler)
}
