// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Agents and tasks are hashes; task results are also published on a channel

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key and channel.
const DefaultRedisPrefix = "mothership:"

// RedisStore implements the Store interface on Redis hashes.
//
// Keys:
//
//	{prefix}agent:{id}     hash of agent fields
//	{prefix}agents         set of agent IDs
//	{prefix}task:{id}      hash of task fields
//	{prefix}task_results   pub/sub channel carrying TaskResult JSON
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	logger := slog.Default().With("component", "store", "backend", "redis")
	logger.Info("Redis store initialized", "addr", opts.Addr, "prefix", prefix)
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) agentKey(id string) string { return s.prefix + "agent:" + id }
func (s *RedisStore) agentsKey() string         { return s.prefix + "agents" }
func (s *RedisStore) taskKey(id string) string  { return s.prefix + "task:" + id }

// ResultsChannel is the pub/sub channel task results are published on.
func (s *RedisStore) ResultsChannel() string { return s.prefix + "task_results" }

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.rdb.Close()
}

// UpdateAgentStatus writes the non-zero fields of u into the agent hash.
func (s *RedisStore) UpdateAgentStatus(ctx context.Context, u AgentStatusUpdate) error {
	if u.AgentID == "" {
		return errors.New("agent id is required")
	}
	updatedAt := formatTime(nowIfZero(u.UpdatedAt))
	key := s.agentKey(u.AgentID)

	fields := map[string]any{
		"id":         u.AgentID,
		"updated_at": updatedAt,
	}
	if u.Name != "" {
		fields["name"] = u.Name
	}
	if u.Type != "" {
		fields["agent_type"] = u.Type
	}
	if len(u.Capabilities) > 0 {
		fields["capabilities"] = string(u.Capabilities)
	}
	if u.Status != "" {
		fields["status"] = string(u.Status)
	}
	if !u.LastHeartbeat.IsZero() {
		fields["last_heartbeat"] = formatTime(u.LastHeartbeat)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", updatedAt)
		pipe.HSetNX(ctx, key, "status", string(AgentStatusActive))
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, s.agentsKey(), u.AgentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing agent %s: %w", u.AgentID, err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *RedisStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	hash, err := s.rdb.HGetAll(ctx, s.agentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading agent %s: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return hashToAgent(hash)
}

// ListAgentRecords returns every known agent ordered by name.
func (s *RedisStore) ListAgentRecords(ctx context.Context) ([]*AgentRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.agentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.agentKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading agents: %w", err)
	}

	agents := make([]*AgentRecord, 0, len(ids))
	for _, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		rec, err := hashToAgent(hash)
		if err != nil {
			return nil, err
		}
		agents = append(agents, rec)
	}

	slices.SortFunc(agents, func(a, b *AgentRecord) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return agents, nil
}

// RecordTaskDispatched writes a fresh in_progress task hash.
func (s *RedisStore) RecordTaskDispatched(ctx context.Context, task TaskRecord) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	status := task.Status
	if status == "" {
		status = TaskStatusInProgress
	}

	fields := map[string]any{
		"id":         task.ID,
		"agent_id":   task.AgentID,
		"task_type":  task.Type,
		"status":     string(status),
		"created_at": formatTime(nowIfZero(task.CreatedAt)),
	}
	if task.UserID != "" {
		fields["user_id"] = task.UserID
	}
	if len(task.Input) > 0 {
		fields["input_data"] = string(task.Input)
	}

	key := s.taskKey(task.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing task %s: %w", task.ID, err)
	}
	return nil
}

// RecordTaskResult stores a task's terminal status and publishes the result.
// Returns ErrNotFound if the task was never recorded.
func (s *RedisStore) RecordTaskResult(ctx context.Context, result TaskResult) error {
	key := s.taskKey(result.TaskID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking task %s: %w", result.TaskID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	result.CompletedAt = nowIfZero(result.CompletedAt)
	fields := map[string]any{
		"status":       string(result.Status),
		"completed_at": formatTime(result.CompletedAt),
	}
	if len(result.Output) > 0 {
		fields["output_data"] = string(result.Output)
	}
	if result.Error != "" {
		fields["error_message"] = result.Error
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding task result: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, "output_data", "error_message")
		pipe.HSet(ctx, key, fields)
		pipe.Publish(ctx, s.ResultsChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing task result %s: %w", result.TaskID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	hash, err := s.rdb.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return hashToTask(hash)
}

func hashToAgent(h map[string]string) (*AgentRecord, error) {
	rec := &AgentRecord{
		ID:     h["id"],
		Name:   h["name"],
		Type:   h["agent_type"],
		Status: AgentStatus(h["status"]),
	}
	if caps := h["capabilities"]; caps != "" {
		rec.Capabilities = json.RawMessage(caps)
	}

	var err error
	if rec.CreatedAt, err = parseTime(h["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing agent created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(h["updated_at"]); err != nil {
		return nil, fmt.Errorf("parsing agent updated_at: %w", err)
	}
	if hb := h["last_heartbeat"]; hb != "" {
		t, err := parseTime(hb)
		if err != nil {
			return nil, fmt.Errorf("parsing agent last_heartbeat: %w", err)
		}
		rec.LastHeartbeat = &t
	}
	return rec, nil
}

func hashToTask(h map[string]string) (*TaskRecord, error) {
	task := &TaskRecord{
		ID:      h["id"],
		AgentID: h["agent_id"],
		Type:    h["task_type"],
		UserID:  h["user_id"],
		Status:  TaskStatus(h["status"]),
		Error:   h["error_message"],
	}
	if in := h["input_data"]; in != "" {
		task.Input = json.RawMessage(in)
	}
	if out := h["output_data"]; out != "" {
		task.Output = json.RawMessage(out)
	}

	var err error
	if task.CreatedAt, err = parseTime(h["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing task created_at: %w", err)
	}
	if done := h["completed_at"]; done != "" {
		t, err := time.Parse(time.RFC3339Nano, done)
		if err != nil {
			return nil, fmt.Errorf("parsing task completed_at: %w", err)
		}
		task.CompletedAt = &t
	}
	return task, nil
}
