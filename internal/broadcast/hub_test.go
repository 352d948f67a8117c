package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestPublishSyncDeliversToAllHandlers(t *testing.T) {
	hub := NewHub(arbor.NewLogger())
	var mu sync.Mutex
	var received []string

	require.NoError(t, hub.Subscribe(EventJobCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.JobID)
		return nil
	}))
	require.NoError(t, hub.Subscribe(EventJobCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "second:"+e.JobID)
		return nil
	}))

	err := hub.PublishSync(context.Background(), Event{Type: EventJobCompleted, JobID: "job-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
}

func TestPublishSyncCollectsHandlerErrors(t *testing.T) {
	hub := NewHub(arbor.NewLogger())
	require.NoError(t, hub.Subscribe(EventJobFailed, func(ctx context.Context, e Event) error {
		return fmt.Errorf("boom")
	}))

	err := hub.PublishSync(context.Background(), Event{Type: EventJobFailed, JobID: "job-2"})
	require.Error(t, err)
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	hub := NewHub(arbor.NewLogger())
	done := make(chan struct{})
	require.NoError(t, hub.Subscribe(EventJobProgress, func(ctx context.Context, e Event) error {
		time.Sleep(200 * time.Millisecond)
		close(done)
		return nil
	}))

	start := time.Now()
	hub.Publish(context.Background(), Event{Type: EventJobProgress, JobID: "job-3"})
	require.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	hub := NewHub(arbor.NewLogger())
	hub.Publish(context.Background(), Event{Type: EventJobCreated, JobID: "job-4"})
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	hub := NewHub(arbor.NewLogger())
	err := hub.Subscribe(EventJobCreated, nil)
	require.Error(t, err)
}
