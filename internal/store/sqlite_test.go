// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Runs the shared backend contract plus SQLite specific checks

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.UpdateAgentStatus(context.Background(), AgentStatusUpdate{AgentID: "a1", Name: "Finance"}); err != nil {
		t.Fatalf("UpdateAgentStatus: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	rec, err := second.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent after reopen: %v", err)
	}
	if rec.Name != "Finance" {
		t.Errorf("name = %q, want Finance", rec.Name)
	}
}

func TestSQLiteStore_RejectsUnknownStatus(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateAgentStatus(context.Background(), AgentStatusUpdate{AgentID: "a1", Status: "sleeping"})
	if err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
}

func TestSQLiteStore_RedispatchResetsOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordTaskDispatched(ctx, TaskRecord{ID: "t1", AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTaskResult(ctx, TaskResult{TaskID: "t1", Status: TaskStatusFailed, Error: "boom", CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTaskDispatched(ctx, TaskRecord{ID: "t1", AgentID: "a2"}); err != nil {
		t.Fatal(err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskStatusInProgress || task.Error != "" || task.CompletedAt != nil || task.AgentID != "a2" {
		t.Errorf("re-dispatched task = %+v", task)
	}
}
