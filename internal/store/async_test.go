// ABOUTME: Tests for the asynchronous write-behind store wrapper
// ABOUTME: Covers ordering, failure isolation, overflow and drain on close

package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingStore holds every write until release is closed.
type blockingStore struct {
	*MockStore
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) UpdateAgentStatus(ctx context.Context, u AgentStatusUpdate) error {
	<-b.release
	return b.MockStore.UpdateAgentStatus(ctx, u)
}

func (b *blockingStore) unblock() { b.once.Do(func() { close(b.release) }) }

func TestAsync_AppliesWritesInOrder(t *testing.T) {
	mock := NewMockStore()
	a := NewAsync(mock, 16, discardLogger())
	defer a.Close()
	ctx := t.Context()

	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a1", Status: AgentStatusActive}))
	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a1", Status: AgentStatusBusy}))
	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a1", Status: AgentStatusInactive}))
	require.NoError(t, a.RecordTaskDispatched(ctx, TaskRecord{ID: "t1", AgentID: "a1"}))
	require.NoError(t, a.RecordTaskResult(ctx, TaskResult{TaskID: "t1", Status: TaskStatusCompleted}))

	require.NoError(t, a.Flush(ctx))

	rec, err := a.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusInactive, rec.Status)

	task, err := a.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)

	stats := a.Stats()
	assert.Equal(t, int64(5), stats.Written)
	assert.Zero(t, stats.Failed)
}

func TestAsync_FailuresAreNotPropagated(t *testing.T) {
	mock := NewMockStore()
	mock.Err = errors.New("disk full")
	a := NewAsync(mock, 16, discardLogger())
	defer a.Close()

	err := a.UpdateAgentStatus(t.Context(), AgentStatusUpdate{AgentID: "a1"})
	assert.NoError(t, err)

	require.NoError(t, a.Flush(t.Context()))
	assert.Equal(t, int64(1), a.Stats().Failed)
}

func TestAsync_ResultForUnknownTaskCountsAsFailure(t *testing.T) {
	a := NewAsync(NewMockStore(), 16, discardLogger())
	defer a.Close()

	require.NoError(t, a.RecordTaskResult(t.Context(), TaskResult{TaskID: "ghost", Status: TaskStatusCompleted}))
	require.NoError(t, a.Flush(t.Context()))
	assert.Equal(t, int64(1), a.Stats().Failed)
}

func TestAsync_OverflowDrops(t *testing.T) {
	inner := &blockingStore{MockStore: NewMockStore(), release: make(chan struct{})}
	a := NewAsync(inner, 2, discardLogger())
	defer func() {
		inner.unblock()
		a.Close()
	}()
	ctx := t.Context()

	// First write is taken by the worker and blocks; two more fill the queue.
	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a1"}))
	require.Eventually(t, func() bool { return a.Stats().Queued == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a2"}))
	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a3"}))

	// Queue is full: this write is dropped but the call still succeeds.
	require.NoError(t, a.UpdateAgentStatus(ctx, AgentStatusUpdate{AgentID: "a4"}))
	assert.Equal(t, int64(1), a.Stats().Dropped)

	inner.unblock()
	require.NoError(t, a.Flush(ctx))

	_, err := inner.GetAgent(ctx, "a4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = inner.GetAgent(ctx, "a3")
	assert.NoError(t, err)
}

func TestAsync_CloseDrainsQueue(t *testing.T) {
	mock := NewMockStore()
	a := NewAsync(mock, 64, discardLogger())

	for i := range 20 {
		_ = a.RecordTaskDispatched(t.Context(), TaskRecord{ID: string(rune('a' + i)), AgentID: "x"})
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	for i := range 20 {
		_, err := mock.GetTask(t.Context(), string(rune('a'+i)))
		assert.NoError(t, err)
	}

	// Writes after close are dropped quietly.
	assert.NoError(t, a.UpdateAgentStatus(t.Context(), AgentStatusUpdate{AgentID: "late"}))
	assert.Equal(t, int64(1), a.Stats().Dropped)
	assert.NoError(t, a.Flush(t.Context()))
}
