// ABOUTME: Protocol loop of the fake agent
// ABOUTME: Registers after welcome, answers heartbeats and echoes task input back as output

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/2389/mothership-gateway/internal/protocol"
)

// link is one framed connection to the hub.
type link interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

type identity struct {
	ID   string
	Name string
	Type string
}

type echoAgent struct {
	link   link
	id     identity
	logger *slog.Logger
}

// Run processes frames until the hub closes the connection or ctx ends.
func (a *echoAgent) Run(ctx context.Context) error {
	for {
		data, err := a.link.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("undecodable frame", "error", err)
			continue
		}
		if err := a.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (a *echoAgent) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Welcome:
		a.logger.Info("connected", "connection_id", m.ConnectionID)
		caps, _ := json.Marshal([]string{"echo"})
		return a.send(ctx, &protocol.AgentRegister{AgentData: protocol.AgentData{
			ID:           a.id.ID,
			AgentName:    a.id.Name,
			AgentType:    a.id.Type,
			Capabilities: caps,
		}})

	case *protocol.RegistrationConfirmed:
		a.logger.Info("registered", "agent_id", m.AgentID)
		return a.send(ctx, &protocol.StatusUpdate{Status: "active"})

	case *protocol.RegistrationFailed:
		return fmt.Errorf("registration failed: %s", m.Message)

	case *protocol.Heartbeat:
		return a.send(ctx, &protocol.HeartbeatResponse{Status: "active"})

	case *protocol.TaskAssignment:
		a.logger.Info("task received", "task_id", m.TaskData.TaskID, "task_type", m.TaskData.TaskType)
		return a.send(ctx, echoResult(m.TaskData))

	case *protocol.TaskCancelled:
		a.logger.Info("task cancelled", "task_id", m.TaskID, "reason", m.Reason)

	case *protocol.DirectiveUpdate:
		a.logger.Info("directive", "data", string(m.DirectiveData))

	case *protocol.Error:
		a.logger.Warn("hub error", "message", m.Message)

	default:
		a.logger.Debug("ignoring frame", "type", msg.MessageType())
	}
	return nil
}

func (a *echoAgent) send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return a.link.Send(ctx, data)
}

func echoResult(task protocol.TaskData) *protocol.TaskResult {
	if task.TaskType == "fail" {
		return &protocol.TaskResult{
			TaskID:       task.TaskID,
			Status:       protocol.TaskStatusFailed,
			ErrorMessage: "asked to fail",
		}
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"echo": inputOrNull(task.InputData)})
	return &protocol.TaskResult{
		TaskID:     task.TaskID,
		Status:     protocol.TaskStatusCompleted,
		OutputData: out,
	}
}

func inputOrNull(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return json.RawMessage("null")
	}
	return in
}
