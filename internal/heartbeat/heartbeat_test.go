package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SauersML/hpc-queue/internal/model"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []model.HeartbeatEvent
	fail   bool
}

func (f *fakePublisher) PublishHeartbeat(ctx context.Context, event model.HeartbeatEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestEmitter_PublishesImmediatelyAndOnCadence(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, 20*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()

	e.Run(ctx)

	require.GreaterOrEqual(t, pub.count(), 2)
}

func TestEmitter_EventShape(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, model.EventTypeHeartbeat, event.EventType)
	assert.Equal(t, "alive", event.Status)
	assert.Equal(t, Source, event.Source)
	assert.NotZero(t, event.PID)
	assert.NotEmpty(t, event.Hostname)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, 5*time.Second)
}

func TestEmitter_PublishErrorsAreSwallowed(t *testing.T) {
	pub := &fakePublisher{fail: true}
	e := New(pub, 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.NotPanics(t, func() { e.Run(ctx) })
}

func TestEmitter_StopsOnContextCancel(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, 5*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
