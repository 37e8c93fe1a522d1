// ABOUTME: Transport-agnostic agent connection handler shared by websocket and gRPC
// ABOUTME: Registers the connection, decodes frames in order, and routes each by type

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mothership-gateway/internal/agent"
	"github.com/2389/mothership-gateway/internal/protocol"
	"github.com/2389/mothership-gateway/internal/store"
)

const welcomeMessage = "Connected to Mothership AI"

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	WriteTimeout time.Duration
	// TypeAllowed reports whether an agent type may register. Nil allows all.
	TypeAllowed func(agentType string) bool
}

// Handler runs the per-connection protocol loop for any agent.Transport.
type Handler struct {
	registry   *agent.Registry
	dispatcher *agent.Dispatcher
	status     store.StatusSink
	cfg        HandlerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a Handler. status may be nil when persistence is disabled.
func NewHandler(registry *agent.Registry, dispatcher *agent.Dispatcher, status store.StatusSink, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		status:     status,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Serve owns one accepted transport until it closes. It registers the
// connection, greets the agent and processes frames in arrival order.
// Protocol errors are answered with an error frame and never end the loop.
// The connection is unregistered exactly once when Serve returns.
func (h *Handler) Serve(ctx context.Context, t agent.Transport) error {
	conn := agent.NewConnection(agent.ConnectionParams{
		Transport:    t,
		WriteTimeout: h.cfg.WriteTimeout,
		AcceptedAt:   h.now(),
		Logger:       h.logger,
	})
	if err := h.registry.Register(conn); err != nil {
		conn.Close("registration failed")
		return fmt.Errorf("registering connection: %w", err)
	}
	defer func() {
		h.registry.Unregister(conn.ID)
		conn.Close(agent.ReasonDisconnected)
	}()

	logger := h.logger.With("connection_id", conn.ID)
	logger.Info("agent connection accepted")

	if err := conn.Send(ctx, &protocol.Welcome{ConnectionID: conn.ID, Message: welcomeMessage}); err != nil {
		return fmt.Errorf("sending welcome: %w", err)
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if isNormalClose(ctx, conn, err) {
				logger.Info("agent connection closed")
				return nil
			}
			logger.Warn("reading from agent connection", "error", err)
			return fmt.Errorf("reading frame: %w", err)
		}
		h.handleFrame(ctx, conn, logger, data)
	}
}

func isNormalClose(ctx context.Context, conn *agent.Connection, err error) bool {
	return conn.IsClosed() ||
		ctx.Err() != nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, agent.ErrConnectionClosed)
}

func (h *Handler) handleFrame(ctx context.Context, conn *agent.Connection, logger *slog.Logger, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logger.Warn("undecodable frame", "error", err)
		h.replyError(ctx, conn, logger, decodeErrorMessage(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.AgentRegister:
		h.handleRegister(ctx, conn, logger, m)
	case *protocol.TaskResult:
		h.handleTaskResult(conn, logger, m)
	case *protocol.HeartbeatResponse:
		h.handleHeartbeatResponse(ctx, conn, logger)
	case *protocol.StatusUpdate:
		h.handleStatusUpdate(ctx, conn, logger, m)
	case *protocol.Error:
		logger.Warn("agent reported an error", "message", m.Message)
	case *protocol.Unknown:
		logger.Warn("unknown message type", "message_type", m.RawType)
		h.replyError(ctx, conn, logger, "Unknown message type: "+m.RawType)
	default:
		// Frames only the hub may send.
		logger.Warn("unexpected message type from agent", "message_type", msg.MessageType())
		h.replyError(ctx, conn, logger, fmt.Sprintf("Unexpected message type from agent: %s", msg.MessageType()))
	}
}

func decodeErrorMessage(err error) string {
	var de *protocol.DecodeError
	if errors.As(err, &de) && de.Type != "" {
		return fmt.Sprintf("Invalid %s message: %s", de.Type, de.Reason)
	}
	return "Invalid JSON format"
}

func (h *Handler) handleRegister(ctx context.Context, conn *agent.Connection, logger *slog.Logger, m *protocol.AgentRegister) {
	info, reason := h.validateRegistration(m.AgentData)
	if reason != "" {
		logger.Warn("agent registration rejected",
			"agent_id", m.AgentData.ID,
			"agent_type", m.AgentData.AgentType,
			"reason", reason,
		)
		h.send(ctx, conn, logger, &protocol.RegistrationFailed{
			AgentID: m.AgentData.ID,
			Message: "Agent registration failed: " + reason,
		})
		return
	}

	if err := h.registry.BindAgent(conn.ID, info); err != nil {
		logger.Error("binding agent", "agent_id", info.ID, "error", err)
		h.send(ctx, conn, logger, &protocol.RegistrationFailed{
			AgentID: m.AgentData.ID,
			Message: "Agent registration failed",
		})
		return
	}

	now := h.now()
	conn.Touch(now)
	conn.SetAvailable(true)
	h.persistStatus(ctx, logger, store.AgentStatusUpdate{
		AgentID:       info.ID.String(),
		Name:          info.Name,
		Type:          info.Type,
		Capabilities:  info.Capabilities,
		Status:        store.AgentStatusActive,
		LastHeartbeat: now,
	})

	h.send(ctx, conn, logger, &protocol.RegistrationConfirmed{
		AgentID: info.ID.String(),
		Message: "Agent registered",
	})
}

func (h *Handler) validateRegistration(d protocol.AgentData) (agent.AgentInfo, string) {
	id, err := uuid.Parse(strings.TrimSpace(d.ID))
	if err != nil || id == uuid.Nil {
		return agent.AgentInfo{}, "agent id must be a UUID"
	}
	name := strings.TrimSpace(d.AgentName)
	if name == "" {
		return agent.AgentInfo{}, "agent_name is required"
	}
	agentType := strings.TrimSpace(d.AgentType)
	if agentType == "" {
		return agent.AgentInfo{}, "agent_type is required"
	}
	if h.cfg.TypeAllowed != nil && !h.cfg.TypeAllowed(agentType) {
		return agent.AgentInfo{}, fmt.Sprintf("agent type %q is not allowed", agentType)
	}
	return agent.AgentInfo{
		ID:           id,
		Name:         name,
		Type:         agentType,
		Capabilities: d.Capabilities,
	}, ""
}

func (h *Handler) handleTaskResult(conn *agent.Connection, logger *slog.Logger, m *protocol.TaskResult) {
	if m.TaskID == "" {
		logger.Warn("task result without task_id")
		return
	}

	out := agent.Outcome{
		Status: agent.StatusCompleted,
		Output: m.OutputData,
		Error:  m.ErrorMessage,
	}
	if m.Failed() {
		out.Status = agent.StatusFailed
	}
	if info, ok := conn.Agent(); ok {
		out.ReportedBy = info.ID
	}
	if !m.Timestamp.IsZero() {
		out.ResolvedAt = m.Timestamp.Time
	}

	h.dispatcher.HandleResult(m.TaskID, out)
}

func (h *Handler) handleHeartbeatResponse(ctx context.Context, conn *agent.Connection, logger *slog.Logger) {
	now := h.now()
	conn.Touch(now)

	info, ok := conn.Agent()
	if !ok {
		return
	}
	logger.Debug("heartbeat response received", "agent_id", info.ID)
	h.persistStatus(ctx, logger, store.AgentStatusUpdate{
		AgentID:       info.ID.String(),
		LastHeartbeat: now,
	})
}

func (h *Handler) handleStatusUpdate(ctx context.Context, conn *agent.Connection, logger *slog.Logger, m *protocol.StatusUpdate) {
	now := h.now()
	conn.Touch(now)

	info, ok := conn.Agent()
	if !ok {
		logger.Debug("status update from unregistered connection", "status", m.Status)
		return
	}

	status, known := store.ParseAgentStatus(m.Status)
	if !known {
		logger.Warn("unknown agent status", "agent_id", info.ID, "status", m.Status)
		h.replyError(ctx, conn, logger, fmt.Sprintf("Unknown agent status: %s", m.Status))
		return
	}

	// Only an active agent is offered tasks dispatched by type.
	conn.SetAvailable(status == store.AgentStatusActive)
	logger.Info("agent status updated", "agent_id", info.ID, "status", status)
	h.persistStatus(ctx, logger, store.AgentStatusUpdate{
		AgentID:       info.ID.String(),
		Status:        status,
		LastHeartbeat: now,
	})
}

func (h *Handler) persistStatus(ctx context.Context, logger *slog.Logger, u store.AgentStatusUpdate) {
	if h.status == nil {
		return
	}
	if err := h.status.UpdateAgentStatus(context.WithoutCancel(ctx), u); err != nil {
		logger.Warn("persisting agent status", "agent_id", u.AgentID, "error", err)
	}
}

func (h *Handler) replyError(ctx context.Context, conn *agent.Connection, logger *slog.Logger, message string) {
	h.send(ctx, conn, logger, &protocol.Error{Message: message})
}

// send writes a reply. A failed reply evicts the connection, which unblocks
// the read loop.
func (h *Handler) send(ctx context.Context, conn *agent.Connection, logger *slog.Logger, msg protocol.Message) {
	if err := conn.Send(ctx, msg); err != nil {
		logger.Warn("sending reply", "message_type", msg.MessageType(), "error", err)
		h.registry.Evict(conn, agent.ReasonSendFailed)
	}
}
