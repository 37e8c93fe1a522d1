// ABOUTME: Wire message types exchanged between the mothership hub and its agents
// ABOUTME: Closed tagged union keyed by the envelope "type" field, with an Unknown variant

package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is the discriminator carried in every envelope's "type" field.
type Type string

// Recognized message types.
const (
	TypeAgentRegister         Type = "agent_register"
	TypeRegistrationConfirmed Type = "registration_confirmed"
	TypeRegistrationFailed    Type = "registration_failed"
	TypeTaskAssignment        Type = "task_assignment"
	TypeTaskResult            Type = "task_result"
	TypeTaskCancelled         Type = "task_cancelled"
	TypeHeartbeat             Type = "heartbeat"
	TypeHeartbeatResponse     Type = "heartbeat_response"
	TypeStatusUpdate          Type = "status_update"
	TypeDirectiveUpdate       Type = "directive_update"
	TypeWelcome               Type = "welcome"
	TypeError                 Type = "error"

	// typeTaskResponse is the legacy name older agents use for task results.
	typeTaskResponse Type = "task_response"
)

// TaskStatus is the status an agent reports for a finished task.
type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Message is implemented by every concrete message type in this package.
// The set is closed: only types declared here satisfy it.
type Message interface {
	MessageType() Type
	header() *Header
}

// Header holds the envelope fields shared by all messages.
type Header struct {
	Type      Type      `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
}

func (h *Header) header() *Header { return h }

// AgentData describes the agent announcing itself in an agent_register frame.
type AgentData struct {
	ID           string          `json:"id"`
	AgentName    string          `json:"agent_name"`
	AgentType    string          `json:"agent_type"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// AgentRegister is sent by an agent to bind its identity to the connection.
type AgentRegister struct {
	Header
	AgentData AgentData `json:"agent_data"`
}

// RegistrationConfirmed acknowledges a successful agent_register.
type RegistrationConfirmed struct {
	Header
	AgentID string `json:"agent_id"`
	Message string `json:"message,omitempty"`
}

// RegistrationFailed rejects an agent_register.
type RegistrationFailed struct {
	Header
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// TaskData is the body of a task assignment.
type TaskData struct {
	TaskID    string          `json:"task_id"`
	TaskType  string          `json:"task_type"`
	InputData json.RawMessage `json:"input_data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// TaskAssignment delivers one task to one agent.
type TaskAssignment struct {
	Header
	TaskData TaskData `json:"task_data"`
}

// TaskResult is an agent's terminal report for a task.
type TaskResult struct {
	Header
	TaskID       string          `json:"task_id"`
	Status       TaskStatus      `json:"status,omitempty"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Failed reports whether the agent marked the task as failed. A result with
// an error message and no explicit status is treated as a failure.
func (r *TaskResult) Failed() bool {
	if r.Status == "" {
		return r.ErrorMessage != ""
	}
	return r.Status == TaskStatusFailed
}

// TaskCancelled tells an agent the hub no longer waits for a task.
type TaskCancelled struct {
	Header
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// Heartbeat is the hub's liveness probe.
type Heartbeat struct {
	Header
}

// HeartbeatResponse answers a Heartbeat.
type HeartbeatResponse struct {
	Header
	Status string `json:"status,omitempty"`
}

// StatusUpdate reports an agent status change.
type StatusUpdate struct {
	Header
	Status string `json:"status"`
}

// DirectiveUpdate carries a directive broadcast to agents.
type DirectiveUpdate struct {
	Header
	DirectiveData json.RawMessage `json:"directive_data"`
}

// Welcome is the first frame the hub sends on a new connection.
type Welcome struct {
	Header
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// Error reports a protocol problem back to the sender.
type Error struct {
	Header
	Message string `json:"message"`
}

// Unknown is produced for a well-formed envelope whose type is not recognized.
type Unknown struct {
	Header
	RawType string          `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

func (*AgentRegister) MessageType() Type         { return TypeAgentRegister }
func (*RegistrationConfirmed) MessageType() Type { return TypeRegistrationConfirmed }
func (*RegistrationFailed) MessageType() Type    { return TypeRegistrationFailed }
func (*TaskAssignment) MessageType() Type        { return TypeTaskAssignment }
func (*TaskResult) MessageType() Type            { return TypeTaskResult }
func (*TaskCancelled) MessageType() Type         { return TypeTaskCancelled }
func (*Heartbeat) MessageType() Type             { return TypeHeartbeat }
func (*HeartbeatResponse) MessageType() Type     { return TypeHeartbeatResponse }
func (*StatusUpdate) MessageType() Type          { return TypeStatusUpdate }
func (*DirectiveUpdate) MessageType() Type       { return TypeDirectiveUpdate }
func (*Welcome) MessageType() Type               { return TypeWelcome }
func (*Error) MessageType() Type                 { return TypeError }
func (u *Unknown) MessageType() Type             { return Type(u.RawType) }

// newMessage returns an empty message for a known type, or nil.
func newMessage(t Type) Message {
	switch t {
	case TypeAgentRegister:
		return &AgentRegister{}
	case TypeRegistrationConfirmed:
		return &RegistrationConfirmed{}
	case TypeRegistrationFailed:
		return &RegistrationFailed{}
	case TypeTaskAssignment:
		return &TaskAssignment{}
	case TypeTaskResult, typeTaskResponse:
		return &TaskResult{}
	case TypeTaskCancelled:
		return &TaskCancelled{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeHeartbeatResponse:
		return &HeartbeatResponse{}
	case TypeStatusUpdate:
		return &StatusUpdate{}
	case TypeDirectiveUpdate:
		return &DirectiveUpdate{}
	case TypeWelcome:
		return &Welcome{}
	case TypeError:
		return &Error{}
	default:
		return nil
	}
}

// Timestamp is an envelope time. It encodes as RFC 3339 in UTC and decodes
// leniently: naive ISO-8601 values are read as UTC and unparseable values
// leave the zero time.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Numbers, nulls and other shapes carry no usable time.
		t.Time = time.Time{}
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}
