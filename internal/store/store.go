// ABOUTME: Store interfaces and records for agent status and task persistence
// ABOUTME: The hub writes through StatusSink and TaskSink; Store adds queries

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the persisted lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusError    AgentStatus = "error"
)

// ParseAgentStatus maps a status reported by an agent onto a known status.
func ParseAgentStatus(s string) (AgentStatus, bool) {
	switch st := AgentStatus(s); st {
	case AgentStatusActive, AgentStatusInactive, AgentStatusBusy, AgentStatusError:
		return st, true
	}
	return "", false
}

// TaskStatus is the persisted state of a task.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimeout    TaskStatus = "timeout"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s TaskStatus) Terminal() bool {
	return s != TaskStatusInProgress && s != ""
}

// AgentStatusUpdate changes an agent record. Zero-valued fields leave the
// stored value unchanged; a record is created if none exists.
type AgentStatusUpdate struct {
	AgentID       string
	Name          string
	Type          string
	Capabilities  json.RawMessage
	Status        AgentStatus
	LastHeartbeat time.Time
	UpdatedAt     time.Time
}

// AgentRecord is the persisted view of an agent.
type AgentRecord struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          string          `json:"agent_type"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	Status        AgentStatus     `json:"status"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaskRecord is the persisted view of a task.
type TaskRecord struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Type        string          `json:"task_type"`
	UserID      string          `json:"user_id,omitempty"`
	Input       json.RawMessage `json:"input_data,omitempty"`
	Status      TaskStatus      `json:"status"`
	Output      json.RawMessage `json:"output_data,omitempty"`
	Error       string          `json:"error_message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskResult is a task's terminal transition.
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Output      json.RawMessage `json:"output_data,omitempty"`
	Error       string          `json:"error_message,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StatusSink receives agent status changes from the hub.
type StatusSink interface {
	UpdateAgentStatus(ctx context.Context, u AgentStatusUpdate) error
}

// TaskSink receives task lifecycle events from the hub.
type TaskSink interface {
	RecordTaskDispatched(ctx context.Context, task TaskRecord) error
	// RecordTaskResult returns ErrNotFound if the task was never recorded.
	RecordTaskResult(ctx context.Context, result TaskResult) error
}

// Store is a full persistence backend.
type Store interface {
	StatusSink
	TaskSink

	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgentRecords(ctx context.Context) ([]*AgentRecord, error)
	GetTask(ctx context.Context, id string) (*TaskRecord, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store
	Close() error
}

// nowIfZero returns t, or the current UTC time when t is zero.
func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
