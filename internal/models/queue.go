package models

import "time"

// QueueMessage is the envelope the queue gateway persists. Body carries the
// job ID; the gateway never needs to understand job semantics.
type QueueMessage struct {
	ID           string    `json:"id" badgerhold:"key"`
	QueueName    string    `json:"queue_name" badgerholdIndex:"QueueName"`
	Body         string    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at" badgerholdIndex:"VisibleAt"`
	ReceiveCount int       `json:"receive_count"`
}

// MaxReceiveCount is the number of times a message may be received (first
// delivery included) before it is routed to the dead-letter queue instead
// of being handed out again.
const MaxReceiveCount = 5

// DeadLetterSuffix names the queue a message is moved to once it exceeds
// MaxReceiveCount.
const DeadLetterSuffix = ".dead-letter"
