package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// subscription tracks one external WebSocket client registered against the
// hub. A write failure or a missed TTL sweep marks it gone; the publishing
// path never waits on it.
type subscription struct {
	id       string
	conn     *websocket.Conn
	lastSeen time.Time
	gone     bool
}

// SubscriptionRegistry fans Hub events out to WebSocket clients, isolating
// the orchestration path from slow or disconnected network peers.
type SubscriptionRegistry struct {
	mu   sync.Mutex
	subs map[string]*subscription
	ttl  time.Duration
	logger arbor.ILogger
}

// NewSubscriptionRegistry builds a registry and wires it to hub so every
// published Event is forwarded to registered connections.
func NewSubscriptionRegistry(hub *Hub, ttl time.Duration, logger arbor.ILogger) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		subs:   make(map[string]*subscription),
		ttl:    ttl,
		logger: logger,
	}
	for _, eventType := range []EventType{
		EventJobCreated, EventJobStarted, EventJobProgress,
		EventJobCompleted, EventJobFailed, EventJobCancelled,
		EventJobTimeout, EventJobRetrying,
	} {
		_ = hub.Subscribe(eventType, r.forward)
	}
	return r
}

// Register adds conn to the registry under id.
func (r *SubscriptionRegistry) Register(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = &subscription{id: id, conn: conn, lastSeen: time.Now()}
}

// Unregister removes a connection, typically called when its read loop
// exits.
func (r *SubscriptionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// forward writes event to every registered connection. Individual write
// failures mark that connection gone for the next Sweep rather than
// returning an error, since one dead client must never fail delivery to
// the rest.
func (r *SubscriptionRegistry) forward(ctx context.Context, event Event) error {
	r.mu.Lock()
	targets := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if !sub.gone {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		if err := sub.conn.WriteJSON(event); err != nil {
			r.logger.Debug().Err(err).Str("subscriber_id", sub.id).Msg("websocket write failed, marking subscriber gone")
			r.mu.Lock()
			sub.gone = true
			r.mu.Unlock()
			continue
		}
		r.mu.Lock()
		sub.lastSeen = time.Now()
		r.mu.Unlock()
	}
	return nil
}

// Sweep removes connections that have been marked gone or have not been
// touched within the registry's TTL. Nothing in the module calls it on a
// schedule, and it is never called from the orchestration path.
func (r *SubscriptionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-r.ttl)
	for id, sub := range r.subs {
		if sub.gone || sub.lastSeen.Before(cutoff) {
			_ = sub.conn.Close()
			delete(r.subs, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of currently registered connections.
func (r *SubscriptionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
