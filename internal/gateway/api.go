// ABOUTME: HTTP API used by the CRUD layer to list agents, dispatch tasks and broadcast directives
// ABOUTME: Thin JSON handlers over the registry, dispatcher, broadcaster and store

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mothership-gateway/internal/agent"
	"github.com/2389/mothership-gateway/internal/auth"
	"github.com/2389/mothership-gateway/internal/store"
)

// maxRequestBody bounds API request bodies.
const maxRequestBody = 1 << 20

// maxDispatchWait bounds the wait query parameter on POST /api/tasks.
const maxDispatchWait = 5 * time.Minute

// AgentInfoResponse is the JSON shape of a connected agent.
type AgentInfoResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          string          `json:"agent_type"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	ConnectionID  string          `json:"connection_id"`
	Connected     bool            `json:"connected"`
	Available     bool            `json:"available"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

// AgentDetailResponse combines the persisted record with live state.
type AgentDetailResponse struct {
	*store.AgentRecord
	Connected bool `json:"connected"`
}

// DispatchRequest is the JSON body of POST /api/tasks. Exactly one of
// AgentID and AgentType addresses the task; AgentType lets the hub pick an
// available agent of that type.
type DispatchRequest struct {
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	AgentType string          `json:"agent_type,omitempty"`
	TaskType  string          `json:"task_type"`
	Input     json.RawMessage `json:"input_data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// TaskResponse reports a task's state.
type TaskResponse struct {
	TaskID       string          `json:"task_id"`
	AgentID      string          `json:"agent_id"`
	TaskType     string          `json:"task_type,omitempty"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output_data,omitempty"`
	Error        string          `json:"error_message,omitempty"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// DirectiveRequest is the JSON body of POST /api/directives.
type DirectiveRequest struct {
	DirectiveData json.RawMessage `json:"directive_data"`
	AgentTypes    []string        `json:"agent_types,omitempty"`
}

// StatsResponse is the JSON body of GET /api/stats.
type StatsResponse struct {
	Connections int                   `json:"connections"`
	Agents      int                   `json:"agents"`
	Dispatcher  agent.DispatcherStats `json:"dispatcher"`
	Persistence *store.AsyncStats     `json:"persistence,omitempty"`
}

// api holds the dependencies of the HTTP API.
type api struct {
	registry    *agent.Registry
	dispatcher  *agent.Dispatcher
	broadcaster *agent.Broadcaster
	store       store.Store // nil when persistence is disabled
	async       *store.Async
	logger      *slog.Logger
}

// routes registers the API on mux, wrapping each handler with guard.
func (a *api) routes(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, guard(fn))
	}
	handle("GET /api/agents", a.handleListAgents)
	handle("GET /api/agents/{id}", a.handleGetAgent)
	handle("POST /api/tasks", a.handleDispatch)
	handle("GET /api/tasks/{id}", a.handleGetTask)
	handle("DELETE /api/tasks/{id}", a.handleCancelTask)
	handle("POST /api/directives", a.handleBroadcast)
	handle("GET /api/stats", a.handleStats)
}

// handleListAgents returns every agent with a live connection.
func (a *api) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := a.registry.Agents()
	response := make([]AgentInfoResponse, 0, len(agents))
	for _, info := range agents {
		conn, err := a.registry.Lookup(info.ID)
		if err != nil {
			continue
		}
		response = append(response, AgentInfoResponse{
			ID:            info.ID.String(),
			Name:          info.Name,
			Type:          info.Type,
			Capabilities:  info.Capabilities,
			ConnectionID:  conn.ID,
			Connected:     true,
			Available:     conn.Available(),
			LastHeartbeat: conn.LastHeartbeat().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetAgent returns the persisted record for one agent.
func (a *api) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "agent id must be a UUID")
		return
	}
	if a.store == nil {
		sendJSONError(w, http.StatusNotFound, "persistence disabled")
		return
	}

	rec, err := a.store.GetAgent(r.Context(), id.String())
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		a.logger.Error("loading agent", "agent_id", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "loading agent failed")
		return
	}
	writeJSON(w, http.StatusOK, AgentDetailResponse{AgentRecord: rec, Connected: a.registry.IsConnected(id)})
}

// handleDispatch sends a task to a connected agent, or to an available agent
// of the requested type. It answers 202 once the assignment is written, or
// waits for the outcome when ?wait= is given.
func (a *api) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := parseDispatchRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var agentID uuid.UUID
	if req.AgentID != "" {
		agentID, err = uuid.Parse(req.AgentID)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "agent_id must be a UUID")
			return
		}
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err = time.ParseDuration(raw)
		if err != nil || wait < 0 || wait > maxDispatchWait {
			sendJSONError(w, http.StatusBadRequest, "wait must be a duration up to "+maxDispatchWait.String())
			return
		}
	}

	task := agent.Task{
		ID:      req.TaskID,
		AgentID: agentID,
		Type:    req.TaskType,
		Input:   req.Input,
		UserID:  req.UserID,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	var outcome <-chan agent.Outcome
	if req.AgentType != "" {
		task, outcome, err = a.dispatcher.DispatchByType(r.Context(), req.AgentType, task)
	} else {
		outcome, err = a.dispatcher.Dispatch(r.Context(), task)
	}
	switch {
	case errors.Is(err, agent.ErrNoAvailableAgent):
		sendJSONError(w, http.StatusConflict, fmt.Sprintf("no available agent of type %q", req.AgentType))
		return
	case errors.Is(err, agent.ErrDuplicateTask):
		sendJSONError(w, http.StatusConflict, "task already pending")
		return
	case errors.Is(err, agent.ErrAgentNotConnected):
		sendJSONError(w, http.StatusConflict, "agent not connected")
		return
	case err != nil:
		a.logger.Error("dispatching task", "task_id", task.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		select {
		case out := <-outcome:
			writeJSON(w, http.StatusOK, outcomeResponse(task, out))
			return
		case <-ctx.Done():
		}
	}

	resp := TaskResponse{
		TaskID:   task.ID,
		AgentID:  task.AgentID.String(),
		TaskType: task.Type,
		Status:   string(store.TaskStatusInProgress),
	}
	if p, ok := a.dispatcher.Pending(task.ID); ok {
		at := p.DispatchedAt.UTC()
		resp.DispatchedAt = &at
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func parseDispatchRequest(r io.Reader) (*DispatchRequest, error) {
	var req DispatchRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.AgentType = strings.TrimSpace(req.AgentType)
	switch {
	case req.AgentID == "" && req.AgentType == "":
		return nil, errors.New("agent_id or agent_type is required")
	case req.AgentID != "" && req.AgentType != "":
		return nil, errors.New("agent_id and agent_type are mutually exclusive")
	}
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, errors.New("task_type is required")
	}
	return &req, nil
}

func outcomeResponse(task agent.Task, out agent.Outcome) TaskResponse {
	dispatched := out.DispatchedAt.UTC()
	resolved := out.ResolvedAt.UTC()
	return TaskResponse{
		TaskID:       out.TaskID,
		AgentID:      out.AgentID.String(),
		TaskType:     task.Type,
		Status:       string(out.Status),
		Output:       out.Output,
		Error:        out.Error,
		DispatchedAt: &dispatched,
		CompletedAt:  &resolved,
	}
}

// handleGetTask reports a pending task from memory, otherwise from the store.
func (a *api) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if p, ok := a.dispatcher.Pending(taskID); ok {
		at := p.DispatchedAt.UTC()
		writeJSON(w, http.StatusOK, TaskResponse{
			TaskID:       taskID,
			AgentID:      p.Task.AgentID.String(),
			TaskType:     p.Task.Type,
			Status:       string(store.TaskStatusInProgress),
			DispatchedAt: &at,
		})
		return
	}

	if a.store == nil {
		sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	rec, err := a.store.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		a.logger.Error("loading task", "task_id", taskID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "loading task failed")
		return
	}

	created := rec.CreatedAt
	writeJSON(w, http.StatusOK, TaskResponse{
		TaskID:       rec.ID,
		AgentID:      rec.AgentID,
		TaskType:     rec.Type,
		Status:       string(rec.Status),
		Output:       rec.Output,
		Error:        rec.Error,
		DispatchedAt: &created,
		CompletedAt:  rec.CompletedAt,
	})
}

// handleCancelTask cancels a pending task.
func (a *api) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by " + callerName(r.Context())
	}

	if err := a.dispatcher.Cancel(taskID, reason); err != nil {
		if errors.Is(err, agent.ErrTaskNotFound) {
			sendJSONError(w, http.StatusNotFound, "task not pending")
			return
		}
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBroadcast pushes a directive to every agent, or to the listed types.
func (a *api) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req DirectiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.DirectiveData) == 0 || string(req.DirectiveData) == "null" {
		sendJSONError(w, http.StatusBadRequest, "directive_data is required")
		return
	}

	report := a.broadcaster.Broadcast(r.Context(), agent.Directive{
		Data:       req.DirectiveData,
		AgentTypes: req.AgentTypes,
	})
	writeJSON(w, http.StatusOK, report)
}

// handleStats reports hub counters.
func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Connections: a.registry.Len(),
		Agents:      len(a.registry.ListAgents()),
		Dispatcher:  a.dispatcher.Stats(),
	}
	if a.async != nil {
		st := a.async.Stats()
		resp.Persistence = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func callerName(ctx context.Context) string {
	if sub := auth.Subject(ctx); sub != "" {
		return sub
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
