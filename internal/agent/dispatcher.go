// ABOUTME: Sends task assignments to agents and correlates their asynchronous results.
// ABOUTME: Each task settles exactly once: completed, failed, timeout or cancelled.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mothership-gateway/internal/dedupe"
	"github.com/2389/mothership-gateway/internal/protocol"
)

// ErrDuplicateTask indicates a task with the same ID is still pending.
var ErrDuplicateTask = errors.New("task already pending")

// ErrTaskNotFound indicates the task ID has no pending record.
var ErrTaskNotFound = errors.New("task not pending")

// ErrInvalidTask indicates a task without an ID.
var ErrInvalidTask = errors.New("task id is required")

// ErrNoAvailableAgent indicates no connected agent of the requested type
// accepts new work.
var ErrNoAvailableAgent = errors.New("no available agent")

// Status is the terminal state of a dispatched task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

const (
	lateResultWindow = 10 * time.Minute
	lateResultMax    = 10000
	notifyTimeout    = 5 * time.Second
)

// Task is a unit of work addressed to one agent.
type Task struct {
	ID      string
	AgentID uuid.UUID
	Type    string
	Input   json.RawMessage
	UserID  string
}

// Outcome is the terminal result of a task, delivered once on the channel
// returned by Dispatch.
type Outcome struct {
	TaskID  string
	AgentID uuid.UUID
	// ReportedBy is the agent whose result frame settled the task. It is the
	// zero UUID when the hub settled the task itself.
	ReportedBy   uuid.UUID
	Status       Status
	Output       json.RawMessage
	Error        string
	DispatchedAt time.Time
	ResolvedAt   time.Time
}

// PendingInfo describes a task awaiting its result.
type PendingInfo struct {
	Task         Task
	DispatchedAt time.Time
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Pending        int   `json:"pending"`
	Dispatched     int64 `json:"dispatched"`
	Resolved       int64 `json:"resolved"`
	TimedOut       int64 `json:"timed_out"`
	Cancelled      int64 `json:"cancelled"`
	DroppedResults int64 `json:"dropped_results"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Timeout settles unanswered tasks as StatusTimeout. Zero disables it.
	Timeout time.Duration
	// OnDispatched runs after a task is recorded, before its frame is sent.
	OnDispatched func(Task, time.Time)
	// OnResolved runs after a task settles.
	OnResolved func(Outcome)
}

type pendingTask struct {
	task         Task
	dispatchedAt time.Time
	result       chan Outcome
	timer        *time.Timer
}

// Dispatcher routes tasks to connected agents and matches results back by
// task ID. Dispatch never waits for the result.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingTask

	// settled remembers recently finished task IDs so a result arriving
	// after its task timed out can be logged as late.
	settled *dedupe.Cache

	dispatched atomic.Int64
	resolved   atomic.Int64
	timedOut   atomic.Int64
	cancelled  atomic.Int64
	dropped    atomic.Int64
}

// NewDispatcher creates a Dispatcher that looks agents up in registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]*pendingTask),
		settled:  dedupe.New(lateResultWindow, lateResultMax),
	}
}

// DispatchByType picks an available agent of agentType and dispatches task
// to it. The agent with the fewest pending tasks wins; ties go to the lowest
// agent ID. The returned Task carries the chosen AgentID.
func (d *Dispatcher) DispatchByType(ctx context.Context, agentType string, task Task) (Task, <-chan Outcome, error) {
	candidates := d.registry.AvailableByType(agentType)
	if len(candidates) == 0 {
		return task, nil, fmt.Errorf("%w: type %q", ErrNoAvailableAgent, agentType)
	}

	load := d.pendingByAgent()
	best := candidates[0]
	bestInfo, _ := best.Agent()
	for _, conn := range candidates[1:] {
		info, _ := conn.Agent()
		if load[info.ID] < load[bestInfo.ID] {
			best, bestInfo = conn, info
		}
	}

	task.AgentID = bestInfo.ID
	d.logger.Debug("selected agent by type",
		"task_id", task.ID,
		"agent_type", agentType,
		"agent_id", task.AgentID,
		"connection_id", best.ID,
		"candidates", len(candidates),
	)
	outcome, err := d.Dispatch(ctx, task)
	return task, outcome, err
}

func (d *Dispatcher) pendingByAgent() map[uuid.UUID]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	load := make(map[uuid.UUID]int, len(d.pending))
	for _, p := range d.pending {
		load[p.task.AgentID]++
	}
	return load
}

// Dispatch records a pending task and sends its assignment frame to the
// target agent. The returned channel receives exactly one Outcome.
//
// Dispatch fails with ErrAgentNotConnected when the agent has no live
// connection, or when writing the frame fails, in which case the connection
// is evicted and no result will ever be delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (<-chan Outcome, error) {
	if task.ID == "" {
		return nil, ErrInvalidTask
	}

	conn, err := d.registry.Lookup(task.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, task.AgentID)
	}

	p := &pendingTask{
		task:         task,
		dispatchedAt: time.Now(),
		result:       make(chan Outcome, 1),
	}

	d.mu.Lock()
	if _, exists := d.pending[task.ID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	d.pending[task.ID] = p
	if d.cfg.Timeout > 0 {
		p.timer = time.AfterFunc(d.cfg.Timeout, func() { d.expire(p) })
	}
	d.mu.Unlock()

	d.dispatched.Add(1)
	if d.cfg.OnDispatched != nil {
		d.cfg.OnDispatched(task, p.dispatchedAt)
	}

	err = conn.Send(ctx, &protocol.TaskAssignment{TaskData: protocol.TaskData{
		TaskID:    task.ID,
		TaskType:  task.Type,
		InputData: task.Input,
		UserID:    task.UserID,
	}})
	if err != nil {
		if d.take(p) {
			d.logger.Warn("task assignment send failed, evicting connection",
				"task_id", task.ID,
				"agent_id", task.AgentID,
				"connection_id", conn.ID,
				"error", err,
			)
			d.registry.Evict(conn, ReasonSendFailed)
			d.finish(p, Outcome{
				Status: StatusFailed,
				Error:  "assignment not delivered: " + err.Error(),
			}, false)
			return nil, fmt.Errorf("%w: sending task %s: %w", ErrAgentNotConnected, task.ID, err)
		}
		// Already settled by a result or a timeout; the caller still gets it.
	}

	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"task_type", task.Type,
		"agent_id", task.AgentID,
		"connection_id", conn.ID,
	)
	return p.result, nil
}

// HandleResult settles the pending task with the given outcome. It returns
// false when no task is pending under taskID; such results are logged,
// counted and dropped.
func (d *Dispatcher) HandleResult(taskID string, out Outcome) bool {
	d.mu.Lock()
	p, ok := d.pending[taskID]
	if ok {
		delete(d.pending, taskID)
	}
	d.mu.Unlock()

	if !ok {
		d.dropped.Add(1)
		if prior, late := d.settled.Lookup(taskID); late {
			d.logger.Warn("dropping late task result",
				"task_id", taskID,
				"settled_as", prior,
				"reported_by", out.ReportedBy,
			)
		} else {
			d.logger.Warn("dropping result for unknown task",
				"task_id", taskID,
				"reported_by", out.ReportedBy,
			)
		}
		return false
	}

	if out.ReportedBy != uuid.Nil && out.ReportedBy != p.task.AgentID {
		d.logger.Warn("task result reported by a different agent",
			"task_id", taskID,
			"dispatched_to", p.task.AgentID,
			"reported_by", out.ReportedBy,
		)
	}
	if out.Status == "" {
		out.Status = StatusCompleted
	}
	d.finish(p, out, true)
	return true
}

// Cancel settles a pending task as cancelled and tells the agent to stop.
func (d *Dispatcher) Cancel(taskID, reason string) error {
	d.mu.Lock()
	p, ok := d.pending[taskID]
	if ok {
		delete(d.pending, taskID)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	d.cancelled.Add(1)
	d.finish(p, Outcome{Status: StatusCancelled, Error: reason}, true)
	d.notifyAgent(p.task, reason)
	return nil
}

// CancelAll settles every pending task as cancelled without notifying agents.
func (d *Dispatcher) CancelAll(reason string) int {
	d.mu.Lock()
	all := make([]*pendingTask, 0, len(d.pending))
	for id, p := range d.pending {
		all = append(all, p)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, p := range all {
		d.cancelled.Add(1)
		d.finish(p, Outcome{Status: StatusCancelled, Error: reason}, true)
	}
	return len(all)
}

// Pending returns the pending record for a task.
func (d *Dispatcher) Pending(taskID string) (PendingInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[taskID]
	if !ok {
		return PendingInfo{}, false
	}
	return PendingInfo{Task: p.task, DispatchedAt: p.dispatchedAt}, true
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()

	return DispatcherStats{
		Pending:        n,
		Dispatched:     d.dispatched.Load(),
		Resolved:       d.resolved.Load(),
		TimedOut:       d.timedOut.Load(),
		Cancelled:      d.cancelled.Load(),
		DroppedResults: d.dropped.Load(),
	}
}

// Close stops background work. Pending tasks are left untouched; call
// CancelAll first to settle them.
func (d *Dispatcher) Close() {
	d.settled.Close()
}

func (d *Dispatcher) expire(p *pendingTask) {
	if !d.take(p) {
		return
	}
	d.timedOut.Add(1)
	reason := fmt.Sprintf("no result within %s", d.cfg.Timeout)
	d.logger.Warn("task timed out",
		"task_id", p.task.ID,
		"agent_id", p.task.AgentID,
		"timeout", d.cfg.Timeout,
	)
	d.finish(p, Outcome{Status: StatusTimeout, Error: reason}, true)
	d.notifyAgent(p.task, reason)
}

// take removes p from the pending map if it is still the record for its ID.
func (d *Dispatcher) take(p *pendingTask) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending[p.task.ID] != p {
		return false
	}
	delete(d.pending, p.task.ID)
	return true
}

// finish completes a record already removed from the pending map.
func (d *Dispatcher) finish(p *pendingTask, out Outcome, deliver bool) {
	if p.timer != nil {
		p.timer.Stop()
	}

	out.TaskID = p.task.ID
	out.AgentID = p.task.AgentID
	out.DispatchedAt = p.dispatchedAt
	if out.ResolvedAt.IsZero() {
		out.ResolvedAt = time.Now()
	}

	d.settled.Remember(p.task.ID, string(out.Status))
	if deliver {
		d.resolved.Add(1)
		p.result <- out
		d.logger.Info("task settled",
			"task_id", out.TaskID,
			"agent_id", out.AgentID,
			"status", out.Status,
			"elapsed", out.ResolvedAt.Sub(out.DispatchedAt).Round(time.Millisecond),
		)
	}

	if d.cfg.OnResolved != nil {
		d.cfg.OnResolved(out)
	}
}

// notifyAgent sends a best-effort task_cancelled frame.
func (d *Dispatcher) notifyAgent(task Task, reason string) {
	conn, err := d.registry.Lookup(task.AgentID)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := conn.Send(ctx, &protocol.TaskCancelled{TaskID: task.ID, Reason: reason}); err != nil {
			d.logger.Debug("task_cancelled not delivered",
				"task_id", task.ID,
				"agent_id", task.AgentID,
				"error", err,
			)
		}
	}()
}
