// ABOUTME: Tests for the HTTP API request validation and lookups
// ABOUTME: Runs against a gateway backed by the mock store

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mothership-gateway/internal/agent"
	"github.com/2389/mothership-gateway/internal/protocol"
	"github.com/2389/mothership-gateway/internal/store"
)

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestAPI_DispatchValidation(t *testing.T) {
	tg := newTestGateway(t)
	agentID := uuid.NewString()

	tests := []struct {
		name  string
		query string
		body  string
		want  string
	}{
		{"invalid json", "", `{`, "invalid JSON body"},
		{"missing agent", "", `{"task_type":"echo"}`, "agent_id or agent_type is required"},
		{"agent id and type", "", `{"agent_id":"` + agentID + `","agent_type":"research","task_type":"echo"}`, "mutually exclusive"},
		{"bad agent id", "", `{"agent_id":"nope","task_type":"echo"}`, "agent_id must be a UUID"},
		{"missing type", "", `{"agent_id":"` + agentID + `","task_type":"  "}`, "task_type is required"},
		{"bad wait", "?wait=forever", `{"agent_id":"` + agentID + `","task_type":"echo"}`, "wait must be a duration"},
		{"wait too long", "?wait=1h", `{"agent_id":"` + agentID + `","task_type":"echo"}`, "wait must be a duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(tg.server.URL+"/api/tasks"+tt.query, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

func TestAPI_GetTask(t *testing.T) {
	tg := newTestGateway(t)
	a := dialAgent(t, tg, nil)
	id := uuid.New()
	a.register(t, id, "research")

	t.Run("unknown", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, getJSON(t, tg.server.URL+"/api/tasks/missing", nil))
	})

	resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{AgentID: id.String(), TaskType: "echo"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.TaskID, "task id is generated when omitted")
	assert.Equal(t, string(store.TaskStatusInProgress), accepted.Status)
	assert.NotNil(t, accepted.DispatchedAt)

	t.Run("pending", func(t *testing.T) {
		var got TaskResponse
		require.Equal(t, http.StatusOK, getJSON(t, tg.server.URL+"/api/tasks/"+accepted.TaskID, &got))
		assert.Equal(t, string(store.TaskStatusInProgress), got.Status)
		assert.Equal(t, "echo", got.TaskType)
	})

	_, ok := a.recvType(t).(*protocol.TaskAssignment)
	require.True(t, ok)
	a.send(t, &protocol.TaskResult{TaskID: accepted.TaskID, Status: protocol.TaskStatusFailed, ErrorMessage: "boom"})

	t.Run("recorded", func(t *testing.T) {
		// The result hook runs after the pending entry is removed.
		require.Eventually(t, func() bool {
			if tg.gw.store.Flush(t.Context()) != nil {
				return false
			}
			rec, err := tg.store.GetTask(t.Context(), accepted.TaskID)
			return err == nil && rec.Status == store.TaskStatusFailed
		}, 2*time.Second, 10*time.Millisecond)

		var got TaskResponse
		require.Equal(t, http.StatusOK, getJSON(t, tg.server.URL+"/api/tasks/"+accepted.TaskID, &got))
		assert.Equal(t, string(store.TaskStatusFailed), got.Status)
		assert.Equal(t, "boom", got.Error)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestAPI_CancelUnknownTask(t *testing.T) {
	tg := newTestGateway(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, tg.server.URL+"/api/tasks/nothing", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_GetAgent(t *testing.T) {
	tg := newTestGateway(t)
	a := dialAgent(t, tg, nil)
	id := uuid.New()
	a.register(t, id, "research")
	require.NoError(t, tg.gw.store.Flush(t.Context()))

	var got AgentDetailResponse
	require.Equal(t, http.StatusOK, getJSON(t, tg.server.URL+"/api/agents/"+id.String(), &got))
	require.NotNil(t, got.AgentRecord)
	assert.Equal(t, "research", got.Type)
	assert.Equal(t, store.AgentStatusActive, got.Status)
	assert.True(t, got.Connected)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, tg.server.URL+"/api/agents/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, tg.server.URL+"/api/agents/"+uuid.NewString(), nil))
}

func TestAPI_BroadcastValidation(t *testing.T) {
	tg := newTestGateway(t)

	resp := postJSON(t, tg.server.URL+"/api/directives", map[string]any{"agent_types": []string{"x"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Stats(t *testing.T) {
	tg := newTestGateway(t)
	a := dialAgent(t, tg, nil)
	a.register(t, uuid.New(), "research")
	// A second socket that never registers still counts as a connection.
	dialAgent(t, tg, nil)

	_, err := tg.gw.Dispatcher().Dispatch(t.Context(), agent.Task{ID: "stats-task", AgentID: uuid.New(), Type: "echo"})
	require.ErrorIs(t, err, agent.ErrAgentNotConnected)

	var got StatsResponse
	require.Equal(t, http.StatusOK, getJSON(t, tg.server.URL+"/api/stats", &got))
	assert.Equal(t, 2, got.Connections)
	assert.Equal(t, 1, got.Agents)
	assert.Equal(t, 0, got.Dispatcher.Pending)
	require.NotNil(t, got.Persistence)
}

func TestAPI_DispatchByType(t *testing.T) {
	tg := newTestGateway(t)
	idle := dialAgent(t, tg, nil)
	idleID := uuid.New()
	idle.register(t, idleID, "research")
	busy := dialAgent(t, tg, nil)
	busyID := uuid.New()
	busy.register(t, busyID, "research")

	setStatus := func(a *wsAgent, id uuid.UUID, status string, available bool) {
		t.Helper()
		a.send(t, &protocol.StatusUpdate{Status: status})
		require.Eventually(t, func() bool {
			conn, err := tg.gw.Registry().Lookup(id)
			return err == nil && conn.Available() == available
		}, 2*time.Second, 10*time.Millisecond)
	}
	setStatus(busy, busyID, "busy", false)

	var listed []AgentInfoResponse
	require.Equal(t, http.StatusOK, getJSON(t, tg.server.URL+"/api/agents", &listed))
	require.Len(t, listed, 2)
	for _, a := range listed {
		assert.Equal(t, a.ID == idleID.String(), a.Available, "agent %s", a.ID)
	}

	resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{AgentType: "research", TaskType: "echo"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, idleID.String(), accepted.AgentID)

	assignment, ok := idle.recvType(t).(*protocol.TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, accepted.TaskID, assignment.TaskData.TaskID)

	t.Run("no agent of type", func(t *testing.T) {
		resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{AgentType: "finance", TaskType: "echo"}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("every agent busy", func(t *testing.T) {
		setStatus(idle, idleID, "error", false)
		resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{AgentType: "research", TaskType: "echo"}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body["error"], "no available agent")
	})

	t.Run("active again", func(t *testing.T) {
		setStatus(busy, busyID, "active", true)
		resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{AgentType: "research", TaskType: "echo"}, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var got TaskResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, busyID.String(), got.AgentID)
	})
}
