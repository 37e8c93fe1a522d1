// ABOUTME: Registry of live agent connections and their bound agent identities.
// ABOUTME: Guarantees one connection per agent identity; superseded connections are evicted.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAgentNotConnected indicates no live connection is bound to the agent.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrConnectionNotFound indicates the connection ID is not registered.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrConnectionExists indicates a connection ID was registered twice.
var ErrConnectionExists = errors.New("connection already registered")

// Eviction reasons passed to Evict and reported through unbind events.
const (
	ReasonDisconnected     = "disconnected"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonSendFailed       = "send failed"
	ReasonSuperseded       = "superseded"
	ReasonRebound          = "rebound"
	ReasonShutdown         = "shutdown"
)

// UnbindEvent describes an agent identity losing its connection.
type UnbindEvent struct {
	Agent        AgentInfo
	ConnectionID string
	Reason       string
}

// Registry tracks every accepted connection and the agent bound to it.
// All methods are safe for concurrent use; each mutation is applied under a
// single lock so readers never observe a half-updated mapping.
type Registry struct {
	conns  map[string]*Connection
	agents map[uuid.UUID]*Connection
	mu     sync.RWMutex

	hooksMu  sync.RWMutex
	onUnbind []func(UnbindEvent)

	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		agents: make(map[uuid.UUID]*Connection),
		logger: logger,
	}
}

// OnUnbind registers a callback fired after an agent binding is removed by
// Unregister or Evict. It is not fired when a binding is superseded by a
// newer connection for the same agent, since the agent is still connected.
// Callbacks run outside the registry lock and must not block.
func (r *Registry) OnUnbind(fn func(UnbindEvent)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onUnbind = append(r.onUnbind, fn)
}

// Register adds an unbound connection.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID]; exists {
		return fmt.Errorf("%w: %s", ErrConnectionExists, conn.ID)
	}
	r.conns[conn.ID] = conn

	r.logger.Debug("connection registered",
		"connection_id", conn.ID,
		"total_connections", len(r.conns),
	)
	return nil
}

// BindAgent associates an agent identity with a registered connection. If the
// identity is already bound to another connection, that connection is removed
// and closed before the new mapping is installed.
func (r *Registry) BindAgent(connID string, info AgentInfo) error {
	var rebound *UnbindEvent

	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	if prev, exists := r.agents[info.ID]; exists && prev != conn {
		delete(r.agents, info.ID)
		delete(r.conns, prev.ID)
		prev.Close(ReasonSuperseded)
		r.logger.Warn("agent re-registered, evicting previous connection",
			"agent_id", info.ID,
			"old_connection_id", prev.ID,
			"new_connection_id", connID,
		)
	}

	if old, bound := conn.Agent(); bound && old.ID != info.ID {
		if r.agents[old.ID] == conn {
			delete(r.agents, old.ID)
			rebound = &UnbindEvent{Agent: old, ConnectionID: connID, Reason: ReasonRebound}
		}
	}

	bound := info
	conn.setAgent(&bound)
	r.agents[info.ID] = conn
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", info.ID,
		"name", info.Name,
		"type", info.Type,
		"connection_id", connID,
		"total_agents", total,
	)

	if rebound != nil {
		r.fireUnbind(*rebound)
	}
	return nil
}

// Unregister removes a connection and, if it owns one, its agent mapping.
// It returns the agent whose binding was removed. Unregistering an unknown
// connection is a no-op.
func (r *Registry) Unregister(connID string) (AgentInfo, bool) {
	return r.unregister(connID, ReasonDisconnected)
}

func (r *Registry) unregister(connID, reason string) (AgentInfo, bool) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return AgentInfo{}, false
	}
	delete(r.conns, connID)

	info, bound := conn.Agent()
	if bound && r.agents[info.ID] == conn {
		delete(r.agents, info.ID)
	} else {
		bound = false
	}
	totalConns, totalAgents := len(r.conns), len(r.agents)
	r.mu.Unlock()

	if !bound {
		r.logger.Debug("connection unregistered",
			"connection_id", connID,
			"reason", reason,
			"total_connections", totalConns,
		)
		return AgentInfo{}, false
	}

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", info.ID,
		"name", info.Name,
		"connection_id", connID,
		"reason", reason,
		"total_agents", totalAgents,
	)
	r.fireUnbind(UnbindEvent{Agent: info, ConnectionID: connID, Reason: reason})
	return info, true
}

// Evict unregisters a connection and closes its transport. Closing unblocks
// the connection's handler, whose own Unregister then becomes a no-op.
func (r *Registry) Evict(conn *Connection, reason string) {
	r.unregister(conn.ID, reason)
	conn.Close(reason)
}

// CloseAll evicts every registered connection.
func (r *Registry) CloseAll(reason string) {
	for _, conn := range r.Connections() {
		r.Evict(conn, reason)
	}
}

// Lookup returns the connection bound to an agent.
func (r *Registry) Lookup(agentID uuid.UUID) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotConnected
	}
	return conn, nil
}

// IsConnected reports whether an agent has a live binding.
func (r *Registry) IsConnected(agentID uuid.UUID) bool {
	_, err := r.Lookup(agentID)
	return err == nil
}

// ListAgents returns a sorted snapshot of bound agent identities.
func (r *Registry) ListAgents() []uuid.UUID {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	return ids
}

// Agents returns a snapshot of bound agent identities with their metadata.
func (r *Registry) Agents() []AgentInfo {
	r.mu.RLock()
	agents := make([]AgentInfo, 0, len(r.agents))
	for _, conn := range r.agents {
		if info, ok := conn.Agent(); ok {
			agents = append(agents, info)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(agents, func(a, b AgentInfo) int {
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return agents
}

// Get returns a registered connection by ID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// Connections returns a snapshot of every registered connection, bound or not.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionsByType returns bound connections whose agent type is one of types.
func (r *Registry) ConnectionsByType(types []string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.agents))
	for _, conn := range r.agents {
		info, ok := conn.Agent()
		if ok && slices.Contains(types, info.Type) {
			conns = append(conns, conn)
		}
	}
	return conns
}

// AvailableByType returns bound connections of agentType whose agent accepts
// new work, sorted by agent ID.
func (r *Registry) AvailableByType(agentType string) []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.agents))
	for _, conn := range r.agents {
		info, ok := conn.Agent()
		if ok && info.Type == agentType && conn.Available() && !conn.IsClosed() {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		ai, _ := a.Agent()
		bi, _ := b.Agent()
		return slices.Compare(ai.ID[:], bi.ID[:])
	})
	return conns
}

// Touch refreshes a connection's liveness clock.
func (r *Registry) Touch(connID string, at time.Time) bool {
	conn, ok := r.Get(connID)
	if !ok {
		return false
	}
	conn.Touch(at)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) fireUnbind(ev UnbindEvent) {
	r.hooksMu.RLock()
	hooks := slices.Clone(r.onUnbind)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ev)
	}
}
