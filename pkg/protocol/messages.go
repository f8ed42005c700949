package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client message types accepted on the control channel.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeCommand    = "command"
)

// Server message types pushed back to the client.
const (
	TypeStatus         = "status"
	TypeAcknowledgment = "acknowledgment"
	TypeError          = "error"
)

// ClientMessage is the decoded form of an inbound frame. Clients mix two
// shapes on the same channel: structured JSON control messages and bare
// single-character command codes sent as plain text frames. Decoding tries
// the structured form first and falls back to the raw command form.
type ClientMessage struct {
	Type    string
	Command Command
}

// envelope mirrors the structured JSON shapes:
// {"type":"connect"}, {"type":"disconnect"},
// {"type":"command","command":"U","timestamp":...}
type envelope struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// DecodeClientMessage resolves the tagged union of inbound frames.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && (env.Type != "" || env.Command != "") {
		switch env.Type {
		case TypeConnect, TypeDisconnect:
			return ClientMessage{Type: env.Type}, nil
		case TypeCommand, "":
			// The contracts-era envelope carries no type field, just
			// {"command": ..., "timestamp": ...}
			cmd, err := ParseCommand(env.Command)
			if err != nil {
				return ClientMessage{}, err
			}
			return ClientMessage{Type: TypeCommand, Command: cmd}, nil
		default:
			return ClientMessage{}, fmt.Errorf("unknown message type: %q", env.Type)
		}
	}

	// Not structured JSON: treat the frame as a bare command code.
	cmd, err := ParseCommand(string(data))
	if err != nil {
		return ClientMessage{}, err
	}
	return ClientMessage{Type: TypeCommand, Command: cmd}, nil
}

// ServerMessage is a tagged record sent from the relay to the client.
type ServerMessage struct {
	Type      string `json:"type"`
	Connected *bool  `json:"connected,omitempty"`
	Message   string `json:"message,omitempty"`
	Command   string `json:"command,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// NewStatus builds a connection status message.
func NewStatus(connected bool, message string) ServerMessage {
	return ServerMessage{
		Type:      TypeStatus,
		Connected: &connected,
		Message:   message,
		Timestamp: nowMillis(),
	}
}

// NewAcknowledgment confirms a forwarded command.
func NewAcknowledgment(cmd Command) ServerMessage {
	return ServerMessage{
		Type:      TypeAcknowledgment,
		Command:   cmd.String(),
		Message:   fmt.Sprintf("Command '%s' executed", cmd),
		Timestamp: nowMillis(),
	}
}

// NewError reports a failure to the client.
func NewError(message string) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		Message:   message,
		Timestamp: nowMillis(),
	}
}

// NewRobotData wraps opaque bytes read from the robot socket. The robot-side
// reply format is unspecified, so the payload is forwarded verbatim as text.
func NewRobotData(data []byte) ServerMessage {
	return ServerMessage{
		Type:      TypeAcknowledgment,
		Message:   "robot data",
		Payload:   string(data),
		Timestamp: nowMillis(),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
