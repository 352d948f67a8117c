package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/atlascodex/internal/common"
)

func newTestQueue(t *testing.T, cfg *common.QueueConfig) *Queue {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	db, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := Open(db, arbor.NewLogger(), cfg)
	require.NoError(t, err)
	return q
}

func defaultCfg() *common.QueueConfig {
	return &common.QueueConfig{
		QueueName:         "test",
		VisibilityTimeout: "1s",
		PollInterval:      "10ms",
		MaxReceive:        3,
	}
}

func TestEnqueueReceiveDelete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q := newTestQueue(t, defaultCfg())

	require.NoError(t, q.Enqueue(ctx, "job-1"))

	jobID, _, deleteFn, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)
	require.NoError(t, deleteFn())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestFIFOOrdering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q := newTestQueue(t, defaultCfg())

	require.NoError(t, q.Enqueue(ctx, "first"))
	time.Sleep(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "second"))

	jobID, _, deleteFn, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", jobID)
	require.NoError(t, deleteFn())
}

func TestVisibilityTimeoutRedeliversMessage(t *testing.T) {
	cfg := defaultCfg()
	cfg.VisibilityTimeout = "20ms"
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-redeliver"))

	recvCtx1, cancel1 := context.WithTimeout(ctx, time.Second)
	defer cancel1()
	jobID, _, _, err := q.Receive(recvCtx1)
	require.NoError(t, err)
	require.Equal(t, "job-redeliver", jobID)

	time.Sleep(50 * time.Millisecond)

	recvCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	jobID2, _, deleteFn, err := q.Receive(recvCtx2)
	require.NoError(t, err)
	require.Equal(t, "job-redeliver", jobID2)
	require.NoError(t, deleteFn())
}

func TestReceiveBlocksUntilContextDone(t *testing.T) {
	q := newTestQueue(t, defaultCfg())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, _, err := q.Receive(ctx)
	require.Error(t, err)
}

func TestExtendPushesOutVisibility(t *testing.T) {
	q := newTestQueue(t, defaultCfg())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-extend"))

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, messageID, _, err := q.Receive(recvCtx)
	require.NoError(t, err)

	require.NoError(t, q.Extend(ctx, messageID, 5*time.Second))
}
