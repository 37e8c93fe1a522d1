// Package gateway wires the mothership hub together and exposes it to agents
// and to backend services.
//
// # Overview
//
// The Gateway owns every long-lived component:
//
//	type Gateway struct {
//	    registry    *agent.Registry
//	    dispatcher  *agent.Dispatcher
//	    broadcaster *agent.Broadcaster
//	    monitor     *agent.Monitor
//	    handler     *Handler
//	    store       *store.Async
//	    httpServer  *http.Server
//	    grpcServer  *grpc.Server
//	    // ... and more
//	}
//
// # Agent Transports
//
// Agents connect over a websocket (server.ws_path, default /agents/ws) or over
// the gRPC AgentHub/Connect bidirectional stream. Both carry the same JSON
// envelopes and are fed to the shared Handler, which runs the per-connection
// read loop:
//
//  1. Register the connection and send welcome
//  2. Wait for agent_register and bind the agent id
//  3. Route task_result, heartbeat_response and status_update frames
//  4. Unregister when the transport closes or the connection is evicted
//
// # HTTP API
//
// Backend services use the JSON API in api.go:
//
//   - GET /api/agents - List bound agents
//   - GET /api/agents/{id} - Agent detail with last persisted status
//   - POST /api/tasks - Dispatch a task to an agent id or any available agent
//     of a type (?wait= blocks for the outcome)
//   - GET /api/tasks/{id} - Pending or recorded task
//   - DELETE /api/tasks/{id} - Cancel a pending task
//   - POST /api/directives - Broadcast a directive
//   - GET /api/stats - Dispatcher and persistence counters
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	go gw.Run(ctx)
//
// Cancelling ctx triggers a graceful shutdown: agents are closed with a
// going-away status, pending tasks are cancelled and queued persistence is
// flushed before the store closes.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - handler.go: transport-independent agent session loop
//   - websocket.go: websocket transport
//   - grpc.go: gRPC transport and client stream helper
//   - api.go: HTTP API handlers
package gateway
