// ABOUTME: End-to-end tests running real websocket agents against the gateway HTTP handler
// ABOUTME: Covers dispatch round trips, supersede, disconnect, directives, auth and the API

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mothership-gateway/internal/agent"
	"github.com/2389/mothership-gateway/internal/auth"
	"github.com/2389/mothership-gateway/internal/config"
	"github.com/2389/mothership-gateway/internal/protocol"
	"github.com/2389/mothership-gateway/internal/store"
)

const testJWTSecret = "an-adequately-long-test-jwt-secret!"

func testConfig(mutate ...func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Persistence.Backend = config.BackendNone
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

type testGateway struct {
	gw     *Gateway
	server *httptest.Server
	store  *store.MockStore
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	ms := store.NewMockStore()
	gw, err := New(testConfig(mutate...), testLogger(), WithStore(ms))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return &testGateway{gw: gw, server: srv, store: ms}
}

func (tg *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.server.URL, "http") + config.DefaultWSPath
}

// wsAgent is a test agent speaking the wire protocol over a real websocket.
type wsAgent struct {
	conn *websocket.Conn
}

func dialAgent(t *testing.T, tg *testGateway, header http.Header) *wsAgent {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, tg.wsURL(), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	a := &wsAgent{conn: conn}
	_, ok := a.recv(t).(*protocol.Welcome)
	require.True(t, ok, "first frame must be welcome")
	return a
}

func (a *wsAgent) send(t *testing.T, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, a.conn.Write(t.Context(), websocket.MessageText, data))
}

func (a *wsAgent) recv(t *testing.T) protocol.Message {
	t.Helper()
	m, err := a.tryRecv(t.Context(), 5*time.Second)
	require.NoError(t, err)
	return m
}

func (a *wsAgent) tryRecv(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, data, err := a.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// recvType skips heartbeats and returns the next frame of another type.
func (a *wsAgent) recvType(t *testing.T) protocol.Message {
	t.Helper()
	for {
		m := a.recv(t)
		if _, hb := m.(*protocol.Heartbeat); !hb {
			return m
		}
	}
}

func (a *wsAgent) register(t *testing.T, id uuid.UUID, agentType string) {
	t.Helper()
	a.send(t, registerFrame(id, "agent-"+id.String()[:8], agentType))
	_, ok := a.recvType(t).(*protocol.RegistrationConfirmed)
	require.True(t, ok)
}

func postJSON(t *testing.T, url string, body any, header http.Header) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGateway_DispatchRoundTrip(t *testing.T) {
	tg := newTestGateway(t)
	a := dialAgent(t, tg, nil)
	id := uuid.New()
	a.register(t, id, "research")

	type result struct {
		status int
		body   TaskResponse
	}
	results := make(chan result, 1)
	payload, err := json.Marshal(DispatchRequest{
		TaskID:   "task-1",
		AgentID:  id.String(),
		TaskType: "echo",
		Input:    json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	go func() {
		resp, err := http.Post(tg.server.URL+"/api/tasks?wait=5s", "application/json", bytes.NewReader(payload))
		if err != nil {
			results <- result{}
			return
		}
		defer resp.Body.Close()
		var body TaskResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		results <- result{status: resp.StatusCode, body: body}
	}()

	assignment, ok := a.recvType(t).(*protocol.TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, "task-1", assignment.TaskData.TaskID)

	a.send(t, &protocol.TaskResult{
		TaskID:     "task-1",
		Status:     protocol.TaskStatusCompleted,
		OutputData: json.RawMessage(`{"echo":"hi"}`),
	})

	select {
	case r := <-results:
		assert.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, "completed", r.body.Status)
		assert.JSONEq(t, `{"echo":"hi"}`, string(r.body.Output))
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch request did not complete")
	}

	// Persistence runs behind the async queue.
	require.Eventually(t, func() bool {
		if tg.gw.store.Flush(t.Context()) != nil {
			return false
		}
		rec, err := tg.store.GetTask(t.Context(), "task-1")
		return err == nil && rec.Status == store.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// A duplicate result is dropped as late.
	a.send(t, &protocol.TaskResult{TaskID: "task-1", Status: protocol.TaskStatusCompleted})
	require.Eventually(t, func() bool {
		return tg.gw.Dispatcher().Stats().DroppedResults == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DispatchToUnknownAgent(t *testing.T) {
	tg := newTestGateway(t)

	resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{
		AgentID:  uuid.NewString(),
		TaskType: "echo",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGateway_ReRegistrationSupersedes(t *testing.T) {
	tg := newTestGateway(t)
	id := uuid.New()

	first := dialAgent(t, tg, nil)
	first.register(t, id, "research")
	second := dialAgent(t, tg, nil)
	second.register(t, id, "research")

	// The first socket is closed by the hub.
	for {
		_, err := first.tryRecv(t.Context(), 5*time.Second)
		if err != nil {
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
			break
		}
	}

	// Tasks reach only the second connection.
	_, err := tg.gw.Dispatcher().Dispatch(t.Context(), agent.Task{ID: "task-s", AgentID: id, Type: "echo"})
	require.NoError(t, err)
	assignment, ok := second.recvType(t).(*protocol.TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, "task-s", assignment.TaskData.TaskID)

	assert.Len(t, tg.gw.Registry().ListAgents(), 1)
}

func TestGateway_DispatchThenDisconnect(t *testing.T) {
	tg := newTestGateway(t)
	id := uuid.New()

	a := dialAgent(t, tg, nil)
	a.register(t, id, "research")

	outcome, err := tg.gw.Dispatcher().Dispatch(t.Context(), agent.Task{ID: "task-d", AgentID: id, Type: "echo"})
	require.NoError(t, err)
	_, ok := a.recvType(t).(*protocol.TaskAssignment)
	require.True(t, ok)

	require.NoError(t, a.conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return !tg.gw.Registry().IsConnected(id)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = tg.gw.Dispatcher().Dispatch(t.Context(), agent.Task{ID: "task-e", AgentID: id, Type: "echo"})
	assert.ErrorIs(t, err, agent.ErrAgentNotConnected)

	// The pending task is untouched until it is cancelled.
	_, pending := tg.gw.Dispatcher().Pending("task-d")
	assert.True(t, pending)
	select {
	case out := <-outcome:
		t.Fatalf("unexpected outcome %v", out.Status)
	default:
	}

	require.Eventually(t, func() bool {
		if tg.gw.store.Flush(t.Context()) != nil {
			return false
		}
		status, _, found := tg.store.LastStatus(id.String())
		return found && status == store.AgentStatusInactive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_CancelTask(t *testing.T) {
	tg := newTestGateway(t)
	id := uuid.New()
	a := dialAgent(t, tg, nil)
	a.register(t, id, "research")

	resp := postJSON(t, tg.server.URL+"/api/tasks", DispatchRequest{TaskID: "task-c", AgentID: id.String(), TaskType: "echo"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, ok := a.recvType(t).(*protocol.TaskAssignment)
	require.True(t, ok)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, tg.server.URL+"/api/tasks/task-c?reason=stop", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	cancelled, ok := a.recvType(t).(*protocol.TaskCancelled)
	require.True(t, ok)
	assert.Equal(t, "task-c", cancelled.TaskID)
	assert.Equal(t, "stop", cancelled.Reason)

	require.Eventually(t, func() bool {
		if tg.gw.store.Flush(t.Context()) != nil {
			return false
		}
		rec, err := tg.store.GetTask(t.Context(), "task-c")
		return err == nil && rec.Status == store.TaskStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_BroadcastDirective(t *testing.T) {
	tg := newTestGateway(t)

	research := dialAgent(t, tg, nil)
	research.register(t, uuid.New(), "research")
	ops := dialAgent(t, tg, nil)
	ops.register(t, uuid.New(), "ops")

	resp := postJSON(t, tg.server.URL+"/api/directives", DirectiveRequest{
		DirectiveData: json.RawMessage(`{"mode":"quiet"}`),
		AgentTypes:    []string{"ops"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report agent.BroadcastReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, agent.BroadcastReport{Attempted: 1, Delivered: 1}, report)

	directive, ok := ops.recvType(t).(*protocol.DirectiveUpdate)
	require.True(t, ok)
	assert.JSONEq(t, `{"mode":"quiet"}`, string(directive.DirectiveData))
}

func TestGateway_ListAgentsAndHealth(t *testing.T) {
	tg := newTestGateway(t)
	id := uuid.New()
	a := dialAgent(t, tg, nil)
	a.register(t, id, "research")

	resp, err := http.Get(tg.server.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var agents []AgentInfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, id.String(), agents[0].ID)
	assert.Equal(t, "research", agents[0].Type)
	assert.True(t, agents[0].Connected)

	health, err := http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestGateway_AuthRequired(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testJWTSecret })
	verifier := auth.NewJWTVerifier([]byte(testJWTSecret))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, tg.wsURL(), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	agentToken, err := verifier.Generate("agent-1", auth.RoleAgent, time.Hour)
	require.NoError(t, err)
	a := dialAgent(t, tg, http.Header{"Authorization": []string{"Bearer " + agentToken}})
	a.register(t, uuid.New(), "research")

	// Agent tokens cannot drive the API.
	body := DispatchRequest{AgentID: uuid.NewString(), TaskType: "echo"}
	denied := postJSON(t, tg.server.URL+"/api/tasks", body, http.Header{"Authorization": []string{"Bearer " + agentToken}})
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)

	serviceToken, err := verifier.Generate("crud", auth.RoleService, time.Hour)
	require.NoError(t, err)
	allowed := postJSON(t, tg.server.URL+"/api/tasks", body, http.Header{"Authorization": []string{"Bearer " + serviceToken}})
	assert.Equal(t, http.StatusConflict, allowed.StatusCode)
}

func TestGateway_ShutdownClosesAgents(t *testing.T) {
	tg := newTestGateway(t)
	a := dialAgent(t, tg, nil)
	a.register(t, uuid.New(), "research")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, tg.gw.Shutdown(ctx))

	for {
		_, err := a.tryRecv(t.Context(), 5*time.Second)
		if err != nil {
			assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
			break
		}
	}
	assert.Zero(t, tg.gw.Registry().Len())
}

func TestGateway_StaleUnbindKeepsReconnectedAgentActive(t *testing.T) {
	tg := newTestGateway(t)
	id := uuid.New()
	a := dialAgent(t, tg, nil)
	a.register(t, id, "research")

	// An unbind hook from an earlier connection that only runs after the
	// agent registered again.
	tg.gw.markInactive(agent.UnbindEvent{Agent: agent.AgentInfo{ID: id}, Reason: agent.ReasonDisconnected})
	require.NoError(t, tg.gw.store.Flush(t.Context()))

	status, _, found := tg.store.LastStatus(id.String())
	require.True(t, found)
	assert.Equal(t, store.AgentStatusActive, status)

	gone := uuid.New()
	tg.gw.markInactive(agent.UnbindEvent{Agent: agent.AgentInfo{ID: gone}, Reason: agent.ReasonDisconnected})
	require.NoError(t, tg.gw.store.Flush(t.Context()))
	status, _, found = tg.store.LastStatus(gone.String())
	require.True(t, found)
	assert.Equal(t, store.AgentStatusInactive, status)
}
