// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps agents and tasks in memory and records every status update

package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	agents  map[string]*AgentRecord
	tasks   map[string]*TaskRecord
	updates []AgentStatusUpdate
	results []TaskResult

	// Err, when set, is returned by every write.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*AgentRecord),
		tasks:  make(map[string]*TaskRecord),
	}
}

// UpdateAgentStatus merges the update into the in-memory record.
func (m *MockStore) UpdateAgentStatus(_ context.Context, u AgentStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.updates = append(m.updates, u)

	now := nowIfZero(u.UpdatedAt)
	rec, ok := m.agents[u.AgentID]
	if !ok {
		rec = &AgentRecord{ID: u.AgentID, Status: AgentStatusActive, CreatedAt: now}
		m.agents[u.AgentID] = rec
	}
	if u.Name != "" {
		rec.Name = u.Name
	}
	if u.Type != "" {
		rec.Type = u.Type
	}
	if len(u.Capabilities) > 0 {
		rec.Capabilities = slices.Clone(u.Capabilities)
	}
	if u.Status != "" {
		rec.Status = u.Status
	}
	if !u.LastHeartbeat.IsZero() {
		hb := u.LastHeartbeat.UTC()
		rec.LastHeartbeat = &hb
	}
	rec.UpdatedAt = now
	return nil
}

// RecordTaskDispatched stores a task as in_progress.
func (m *MockStore) RecordTaskDispatched(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	t := task
	if t.Status == "" {
		t.Status = TaskStatusInProgress
	}
	t.CreatedAt = nowIfZero(t.CreatedAt)
	t.CompletedAt = nil
	m.tasks[t.ID] = &t
	return nil
}

// RecordTaskResult applies a terminal status to a stored task.
func (m *MockStore) RecordTaskResult(_ context.Context, result TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	t, ok := m.tasks[result.TaskID]
	if !ok {
		return ErrNotFound
	}
	m.results = append(m.results, result)

	done := nowIfZero(result.CompletedAt)
	t.Status = result.Status
	t.Output = result.Output
	t.Error = result.Error
	t.CompletedAt = &done
	return nil
}

// GetAgent returns a copy of an agent record.
func (m *MockStore) GetAgent(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

// ListAgentRecords returns copies of all agent records ordered by name.
func (m *MockStore) ListAgentRecords(_ context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		r := *rec
		out = append(out, &r)
	}
	slices.SortFunc(out, func(a, b *AgentRecord) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// GetTask returns a copy of a task record.
func (m *MockStore) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// StatusUpdates returns every agent status update received, in order.
func (m *MockStore) StatusUpdates() []AgentStatusUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.updates)
}

// TaskResults returns every task result applied, in order.
func (m *MockStore) TaskResults() []TaskResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.results)
}

// LastStatus returns the most recent non-empty status recorded for an agent.
func (m *MockStore) LastStatus(agentID string) (AgentStatus, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.updates) - 1; i >= 0; i-- {
		u := m.updates[i]
		if u.AgentID == agentID && u.Status != "" {
			return u.Status, u.UpdatedAt, true
		}
	}
	return "", time.Time{}, false
}
