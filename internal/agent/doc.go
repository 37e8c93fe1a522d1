// Package agent manages live connections to ministry agent processes.
//
// # Overview
//
// The agent package owns everything the hub knows about connected agents:
// which transports are open, which agent identity each one carries, whether
// they are still alive, and which tasks are waiting on them.
//
// # Registry
//
// The Registry tracks every accepted connection and the agent bound to it:
//
//	reg := agent.NewRegistry(logger)
//	reg.Register(conn)
//	reg.BindAgent(conn.ID, agent.AgentInfo{ID: id, Name: "Pastoral Care", Type: "pastoral"})
//
// An agent identity maps to at most one connection. Binding an identity that
// is already bound elsewhere closes and removes the older connection before
// the new mapping is visible. Unregister is idempotent.
//
// # Heartbeat Monitoring
//
// The Monitor probes every connection on a fixed interval and evicts those
// whose last sign of life is older than the deadline:
//
//	Heartbeat interval: 30s (configurable)
//	Deadline:           90s (configurable, must exceed the interval)
//
// Liveness is refreshed on registration, heartbeat_response and
// status_update frames. A probe that cannot be written evicts immediately.
//
// # Task Dispatch
//
// The Dispatcher sends task_assignment frames and correlates results:
//
//  1. The pending record is stored under the task ID
//  2. The assignment frame is written to the agent's connection
//  3. A task_result with the same ID settles the record
//  4. The Outcome is delivered once on the channel Dispatch returned
//
// An optional timeout settles unanswered tasks. Results for task IDs that are
// not pending are logged and dropped; recently settled IDs are reported as
// late.
//
// # Directives
//
// The Broadcaster pushes directive_update frames to all connections or to
// agents of selected types. Each send is independent; a failing connection is
// evicted and the rest still receive the directive.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Writes to a single
// connection are serialized so frames never interleave.
package agent
