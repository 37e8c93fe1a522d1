// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agent status and task history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			agent_type     TEXT NOT NULL DEFAULT '',
			capabilities   TEXT,
			status         TEXT NOT NULL,
			last_heartbeat TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('active', 'inactive', 'busy', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type);

		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			task_type     TEXT NOT NULL DEFAULT '',
			user_id       TEXT,
			input_data    TEXT,
			status        TEXT NOT NULL,
			output_data   TEXT,
			error_message TEXT,
			created_at    TEXT NOT NULL,
			completed_at  TEXT,

			CHECK (status IN ('in_progress', 'completed', 'failed', 'timeout', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpdateAgentStatus upserts an agent row, keeping stored values for any
// zero-valued field of the update.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, u AgentStatusUpdate) error {
	if u.AgentID == "" {
		return errors.New("agent id is required")
	}
	updatedAt := nowIfZero(u.UpdatedAt)

	insertStatus := u.Status
	if insertStatus == "" {
		insertStatus = AgentStatusActive
	}

	query := `
		INSERT INTO agents (id, name, agent_type, capabilities, status, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name           = CASE WHEN excluded.name = '' THEN agents.name ELSE excluded.name END,
			agent_type     = CASE WHEN excluded.agent_type = '' THEN agents.agent_type ELSE excluded.agent_type END,
			capabilities   = COALESCE(excluded.capabilities, agents.capabilities),
			status         = COALESCE(?, agents.status),
			last_heartbeat = COALESCE(excluded.last_heartbeat, agents.last_heartbeat),
			updated_at     = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		u.AgentID,
		u.Name,
		u.Type,
		nullBytes(u.Capabilities),
		string(insertStatus),
		nullTime(u.LastHeartbeat),
		formatTime(updatedAt),
		formatTime(updatedAt),
		nullString(string(u.Status)),
	)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", u.AgentID, err)
	}

	s.logger.Debug("agent status updated", "agent_id", u.AgentID, "status", u.Status)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	query := `
		SELECT id, name, agent_type, capabilities, status, last_heartbeat, created_at, updated_at
		FROM agents
		WHERE id = ?
	`

	rec, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return rec, nil
}

// ListAgentRecords returns every known agent ordered by name.
func (s *SQLiteStore) ListAgentRecords(ctx context.Context) ([]*AgentRecord, error) {
	query := `
		SELECT id, name, agent_type, capabilities, status, last_heartbeat, created_at, updated_at
		FROM agents
		ORDER BY name, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// RecordTaskDispatched inserts a task as in_progress. Re-dispatching a task
// ID resets its previous outcome.
func (s *SQLiteStore) RecordTaskDispatched(ctx context.Context, task TaskRecord) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	status := task.Status
	if status == "" {
		status = TaskStatusInProgress
	}

	query := `
		INSERT INTO tasks (id, agent_id, task_type, user_id, input_data, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id      = excluded.agent_id,
			task_type     = excluded.task_type,
			user_id       = excluded.user_id,
			input_data    = excluded.input_data,
			status        = excluded.status,
			output_data   = NULL,
			error_message = NULL,
			created_at    = excluded.created_at,
			completed_at  = NULL
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.Type,
		nullString(task.UserID),
		nullBytes(task.Input),
		string(status),
		formatTime(nowIfZero(task.CreatedAt)),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}

	s.logger.Debug("task recorded", "task_id", task.ID, "agent_id", task.AgentID)
	return nil
}

// RecordTaskResult stores a task's terminal status.
// Returns ErrNotFound if the task was never recorded.
func (s *SQLiteStore) RecordTaskResult(ctx context.Context, result TaskResult) error {
	query := `
		UPDATE tasks
		SET status = ?, output_data = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(result.Status),
		nullBytes(result.Output),
		nullString(result.Error),
		formatTime(nowIfZero(result.CompletedAt)),
		result.TaskID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", result.TaskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("task result recorded", "task_id", result.TaskID, "status", result.Status)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	query := `
		SELECT id, agent_id, task_type, user_id, input_data, status, output_data, error_message, created_at, completed_at
		FROM tasks
		WHERE id = ?
	`

	var (
		task                          TaskRecord
		userID, input, output, errMsg sql.NullString
		createdAt                     string
		completedAt                   sql.NullString
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID,
		&task.AgentID,
		&task.Type,
		&userID,
		&input,
		&task.Status,
		&output,
		&errMsg,
		&createdAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	task.UserID = userID.String
	task.Error = errMsg.String
	if input.Valid {
		task.Input = []byte(input.String)
	}
	if output.Valid {
		task.Output = []byte(output.String)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		task.CompletedAt = &t
	}

	return &task, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		rec                  AgentRecord
		capabilities         sql.NullString
		lastHeartbeat        sql.NullString
		createdAt, updatedAt string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Type,
		&capabilities,
		&rec.Status,
		&lastHeartbeat,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if capabilities.Valid {
		rec.Capabilities = []byte(capabilities.String)
	}
	if lastHeartbeat.Valid {
		t, err := parseTime(lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		rec.LastHeartbeat = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
