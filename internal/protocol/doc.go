// Package protocol defines the JSON wire envelope spoken between the
// mothership hub and its agents.
//
// Every frame is one JSON object with a "type" discriminator and an ISO-8601
// "timestamp":
//
//	{"type": "task_assignment", "task_data": {...}, "timestamp": "2025-03-01T10:00:00Z"}
//
// Decode reads a frame once into a closed set of message types so callers can
// use a single type switch:
//
//	msg, err := protocol.Decode(frame)
//	switch m := msg.(type) {
//	case *protocol.AgentRegister:
//	case *protocol.TaskResult:
//	case *protocol.Unknown:
//	}
//
// A frame with an unrecognized type is not an error; it decodes into
// *Unknown so the hub can answer with an "error" frame and keep the
// connection open. Bytes that are not an envelope at all produce a
// *DecodeError.
package protocol
