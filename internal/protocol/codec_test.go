// ABOUTME: Tests for the wire codec
// ABOUTME: Covers type dispatch, unknown types, malformed frames and timestamp handling

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_KnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
	}{
		{
			name:  "agent_register",
			frame: `{"type":"agent_register","agent_data":{"id":"7b0c4a0e-8f43-4bb5-9a53-2a8f3c8c1d10","agent_name":"Pastoral Care","agent_type":"pastoral","capabilities":{"prayer":true}},"timestamp":"2025-03-01T10:00:00.123456"}`,
			check: func(t *testing.T, m Message) {
				reg, ok := m.(*AgentRegister)
				require.True(t, ok)
				assert.Equal(t, "Pastoral Care", reg.AgentData.AgentName)
				assert.Equal(t, "pastoral", reg.AgentData.AgentType)
				assert.JSONEq(t, `{"prayer":true}`, string(reg.AgentData.Capabilities))
				assert.Equal(t, 2025, reg.Timestamp.Year())
			},
		},
		{
			name:  "task_result completed",
			frame: `{"type":"task_result","task_id":"t1","status":"completed","output_data":{"hymns":["A Mighty Fortress"]}}`,
			check: func(t *testing.T, m Message) {
				res, ok := m.(*TaskResult)
				require.True(t, ok)
				assert.Equal(t, "t1", res.TaskID)
				assert.False(t, res.Failed())
				assert.JSONEq(t, `{"hymns":["A Mighty Fortress"]}`, string(res.OutputData))
			},
		},
		{
			name:  "legacy task_response",
			frame: `{"type":"task_response","task_id":"t2","status":"failed","error_message":"no budget data"}`,
			check: func(t *testing.T, m Message) {
				res, ok := m.(*TaskResult)
				require.True(t, ok)
				assert.Equal(t, TypeTaskResult, res.Type)
				assert.True(t, res.Failed())
				assert.Equal(t, "no budget data", res.ErrorMessage)
			},
		},
		{
			name:  "heartbeat_response",
			frame: `{"type":"heartbeat_response"}`,
			check: func(t *testing.T, m Message) {
				_, ok := m.(*HeartbeatResponse)
				assert.True(t, ok)
			},
		},
		{
			name:  "status_update",
			frame: `{"type":"status_update","status":"busy","timestamp":"2025-03-01T10:00:00Z"}`,
			check: func(t *testing.T, m Message) {
				su, ok := m.(*StatusUpdate)
				require.True(t, ok)
				assert.Equal(t, "busy", su.Status)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	m, err := Decode([]byte(`{"type":"bogus","extra":1}`))
	require.NoError(t, err)

	u, ok := m.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "bogus", u.RawType)
	assert.Equal(t, Type("bogus"), u.MessageType())
	assert.JSONEq(t, `{"type":"bogus","extra":1}`, string(u.Raw))
}

func TestDecode_Malformed(t *testing.T) {
	frames := map[string]string{
		"not json":       `hello`,
		"array":          `[1,2,3]`,
		"truncated":      `{"type":"heartbeat"`,
		"missing type":   `{"task_id":"t1"}`,
		"numeric type":   `{"type":7}`,
		"empty":          ``,
		"wrong field":    `{"type":"task_result","task_id":42}`,
		"agent_data str": `{"type":"agent_register","agent_data":"nope"}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			m, err := Decode([]byte(frame))
			assert.Nil(t, m)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr), "expected DecodeError, got %v", err)
		})
	}
}

func TestDecodeError_CarriesType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"task_result","task_id":42}`))

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "task_result", decErr.Type)
	assert.Contains(t, decErr.Error(), "task_result")
}

func TestEncode_SetsTypeAndTimestamp(t *testing.T) {
	data, err := Encode(&Welcome{ConnectionID: "conn-1", Message: "Connected to Mothership AI"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "welcome", raw["type"])
	assert.Equal(t, "conn-1", raw["connection_id"])

	ts, ok := raw["timestamp"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, 5*time.Second)
}

func TestEncode_OverridesWrongType(t *testing.T) {
	msg := &Error{Message: "boom"}
	msg.Type = TypeHeartbeat

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"error"`)
}

func TestEncode_Nil(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrNilMessage)
}

func TestEncodeDecode_TaskAssignment(t *testing.T) {
	in := &TaskAssignment{TaskData: TaskData{
		TaskID:    "task-9",
		TaskType:  "worship_planning",
		InputData: json.RawMessage(`{"season":"Advent"}`),
		UserID:    "user-3",
	}}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	got, ok := out.(*TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, "task-9", got.TaskData.TaskID)
	assert.Equal(t, "worship_planning", got.TaskData.TaskType)
	assert.JSONEq(t, `{"season":"Advent"}`, string(got.TaskData.InputData))
	assert.False(t, got.Timestamp.IsZero())
}

func TestTimestamp_LenientDecode(t *testing.T) {
	tests := []struct {
		in   string
		zero bool
	}{
		{`"2025-03-01T10:00:00Z"`, false},
		{`"2025-03-01T10:00:00.5+02:00"`, false},
		{`"2025-03-01T10:00:00.123456"`, false},
		{`"2025-03-01 10:00:00"`, false},
		{`"yesterday"`, true},
		{`12345`, true},
		{`null`, true},
	}

	for _, tt := range tests {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(tt.in), &ts), tt.in)
		assert.Equal(t, tt.zero, ts.IsZero(), tt.in)
	}
}

func TestTaskResult_Failed(t *testing.T) {
	assert.False(t, (&TaskResult{Status: TaskStatusCompleted}).Failed())
	assert.True(t, (&TaskResult{Status: TaskStatusFailed}).Failed())
	assert.True(t, (&TaskResult{ErrorMessage: "boom"}).Failed())
	assert.False(t, (&TaskResult{}).Failed())
}
