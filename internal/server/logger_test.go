package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledStore blocks every write until the caller gives up.
type stalledStore struct {
	mockStore
	calls chan struct{}
}

func (s *stalledStore) LogMessage(ctx context.Context, sender, recipient, msgType, content string) error {
	s.calls <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stalledStore) UpdateChannel(ctx context.Context, name string) error {
	s.calls <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestLogEventGivesUpOnStalledStore(t *testing.T) {
	store := &stalledStore{calls: make(chan struct{}, 8)}
	events := NewLogger(store, nil)
	events.timeout = 50 * time.Millisecond

	start := time.Now()
	err := events.LogEvent(context.Background(), EventEvict, "alice", "SERVER", "send queue full")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, store.calls, 1, "no retries once the deadline has passed")
}

func TestAuditWritesAreBounded(t *testing.T) {
	store := &stalledStore{calls: make(chan struct{}, 8)}
	events := NewLogger(store, nil)
	events.timeout = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		events.LogMessage(context.Background(), "alice", "general", EventMessage, "hi")
		events.ChannelCreated(context.Background(), "rooms")
	}()

	select {
	case <-done:
	case <-time.After(readWait):
		t.Fatal("audit write did not give up")
	}
	assert.Len(t, store.calls, 2)
}

func TestDefaultStoreTimeout(t *testing.T) {
	assert.Equal(t, storeTimeout, NewLogger(nil, nil).timeout)
}
