// Package queue is the Queue Gateway: a FIFO message queue with visibility
// timeouts and redelivery tracking, built on the same embedded store as
// the job gateway so the whole service needs no external broker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/models"
)

// ErrNoMessage is returned by Receive when no message becomes visible
// before the context is done.
var ErrNoMessage = errors.New("queue: no message available")

// Queue is a badgerhold-backed FIFO message queue.
type Queue struct {
	db                *badgerhold.Store
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	pollInterval      time.Duration
	logger            arbor.ILogger
}

// Open builds a Queue over an already-open badgerhold store (typically the
// same store instance the job gateway persists to).
func Open(db *badgerhold.Store, logger arbor.ILogger, cfg *common.QueueConfig) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue: queue name is required")
	}

	visibility, err := time.ParseDuration(cfg.VisibilityTimeout)
	if err != nil || visibility <= 0 {
		visibility = 30 * time.Second
	}
	poll, err := time.ParseDuration(cfg.PollInterval)
	if err != nil || poll <= 0 {
		poll = 250 * time.Millisecond
	}
	maxReceive := cfg.MaxReceive
	if maxReceive <= 0 {
		maxReceive = models.MaxReceiveCount
	}

	return &Queue{
		db:                db,
		queueName:         cfg.QueueName,
		visibilityTimeout: visibility,
		maxReceive:        maxReceive,
		pollInterval:      poll,
		logger:            logger,
	}, nil
}

// Enqueue adds a job ID to the queue, immediately visible to Receive.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	now := time.Now()
	id := fmt.Sprintf("%019d:%s", now.UnixNano(), uuid.New().String())

	msg := models.QueueMessage{
		ID:         id,
		QueueName:  q.queueName,
		Body:       jobID,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	if err := q.db.Insert(id, &msg); err != nil {
		return fmt.Errorf("queue: failed to enqueue: %w", err)
	}
	return nil
}

// Receive blocks (polling at pollInterval) until a visible message appears
// or ctx is done, returning the job ID, a message ID for Extend/delete, and
// a delete function to call once the job has been handed off.
func (q *Queue) Receive(ctx context.Context) (jobID string, messageID string, deleteFn func() error, err error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		msg, ok, perr := q.tryReceiveOne(ctx)
		if perr != nil {
			return "", "", nil, perr
		}
		if ok {
			mid := msg.ID
			return msg.Body, mid, func() error { return q.delete(mid) }, nil
		}

		select {
		case <-ctx.Done():
			return "", "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryReceiveOne(ctx context.Context) (models.QueueMessage, bool, error) {
	now := time.Now()
	var candidates []models.QueueMessage
	err := q.db.Find(&candidates, badgerhold.Where("QueueName").Eq(q.queueName).
		And("VisibleAt").Le(now).
		And("ReceiveCount").Lt(q.maxReceive).
		SortBy("ID").
		Limit(1))
	if err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("queue: failed to query: %w", err)
	}
	if len(candidates) == 0 {
		if moved, derr := q.deadLetterExpired(now); derr == nil && moved > 0 {
			q.logger.Warn().Int("count", moved).Msg("moved messages to dead-letter after exceeding max receive")
		}
		return models.QueueMessage{}, false, nil
	}

	msg := candidates[0]
	msg.ReceiveCount++
	msg.VisibleAt = now.Add(q.visibilityTimeout)
	if err := q.db.Update(msg.ID, &msg); err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("queue: failed to mark received: %w", err)
	}
	return msg, true, nil
}

// deadLetterExpired moves messages that have exhausted their receive
// budget into the dead-letter queue so Receive stops looping over them.
func (q *Queue) deadLetterExpired(now time.Time) (int, error) {
	var expired []models.QueueMessage
	err := q.db.Find(&expired, badgerhold.Where("QueueName").Eq(q.queueName).
		And("VisibleAt").Le(now).
		And("ReceiveCount").Ge(q.maxReceive))
	if err != nil {
		return 0, err
	}
	for _, msg := range expired {
		msg.QueueName = q.queueName + models.DeadLetterSuffix
		if err := q.db.Update(msg.ID, &msg); err != nil {
			q.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to dead-letter message")
		}
	}
	return len(expired), nil
}

// Extend pushes out a message's visibility deadline, used by long-running
// workers to signal they are still alive without releasing the message.
func (q *Queue) Extend(ctx context.Context, messageID string, d time.Duration) error {
	var msg models.QueueMessage
	if err := q.db.Get(messageID, &msg); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("queue: message not found: %s", messageID)
		}
		return fmt.Errorf("queue: failed to find message: %w", err)
	}
	msg.VisibleAt = time.Now().Add(d)
	return q.db.Update(messageID, &msg)
}

func (q *Queue) delete(messageID string) error {
	if err := q.db.Delete(messageID, &models.QueueMessage{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("queue: failed to delete message: %w", err)
	}
	return nil
}

// Depth returns the number of currently visible, undelivered messages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	count, err := q.db.Count(&models.QueueMessage{}, badgerhold.Where("QueueName").Eq(q.queueName).
		And("VisibleAt").Le(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("queue: failed to count: %w", err)
	}
	return int(count), nil
}
