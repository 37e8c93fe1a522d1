// ABOUTME: Asynchronous write-behind wrapper for any Store
// ABOUTME: A bounded queue and one worker keep persistence off the connection hot path

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize bounds pending writes in an Async store.
	DefaultQueueSize = 1024

	asyncWriteTimeout = 5 * time.Second
)

type asyncOp struct {
	name  string
	apply func(ctx context.Context) error
	done  chan struct{} // non-nil for flush barriers
}

// AsyncStats is a snapshot of Async counters.
type AsyncStats struct {
	Queued  int   `json:"queued"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Async applies StatusSink and TaskSink writes in submission order on a
// background worker. Write methods never block and always return nil; query
// methods go straight to the wrapped store.
type Async struct {
	next   Store
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan asyncOp
	closed bool
	done   chan struct{}

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewAsync wraps next and starts its worker.
func NewAsync(next Store, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger.With("component", "store_async"),
		queue:  make(chan asyncOp, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for op := range a.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		err := op.apply(ctx)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("persistence write failed", "op", op.name, "error", err)
			continue
		}
		a.written.Add(1)
	}
}

func (a *Async) enqueue(op asyncOp) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		a.logger.Warn("persistence write after close dropped", "op", op.name)
		return false
	}
	select {
	case a.queue <- op:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Warn("persistence queue full, write dropped", "op", op.name, "capacity", cap(a.queue))
		return false
	}
}

// UpdateAgentStatus queues an agent status write.
func (a *Async) UpdateAgentStatus(_ context.Context, u AgentStatusUpdate) error {
	a.enqueue(asyncOp{name: "update_agent_status", apply: func(ctx context.Context) error {
		return a.next.UpdateAgentStatus(ctx, u)
	}})
	return nil
}

// RecordTaskDispatched queues a task insert.
func (a *Async) RecordTaskDispatched(_ context.Context, task TaskRecord) error {
	a.enqueue(asyncOp{name: "record_task_dispatched", apply: func(ctx context.Context) error {
		return a.next.RecordTaskDispatched(ctx, task)
	}})
	return nil
}

// RecordTaskResult queues a task result write.
func (a *Async) RecordTaskResult(_ context.Context, result TaskResult) error {
	a.enqueue(asyncOp{name: "record_task_result", apply: func(ctx context.Context) error {
		return a.next.RecordTaskResult(ctx, result)
	}})
	return nil
}

// GetAgent reads from the wrapped store.
func (a *Async) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	return a.next.GetAgent(ctx, id)
}

// ListAgentRecords reads from the wrapped store.
func (a *Async) ListAgentRecords(ctx context.Context) ([]*AgentRecord, error) {
	return a.next.ListAgentRecords(ctx)
}

// GetTask reads from the wrapped store.
func (a *Async) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	return a.next.GetTask(ctx, id)
}

// Ping checks the wrapped store.
func (a *Async) Ping(ctx context.Context) error {
	return a.next.Ping(ctx)
}

// Flush waits until every write queued before the call has been applied.
func (a *Async) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil
	}
	select {
	case a.queue <- asyncOp{name: "flush", done: barrier}:
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}
	a.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the queue counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Queued:  len(a.queue),
		Written: a.written.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
	}
}

// Close stops accepting writes, drains the queue and closes the wrapped store.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
