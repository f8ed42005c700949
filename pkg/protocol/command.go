// Package protocol defines the command vocabulary and the JSON message
// formats exchanged between control clients and the relay.
package protocol

import (
	"fmt"
	"strings"
)

// Command is a single-character motion command forwarded verbatim to the
// robot. The set is closed and case-sensitive.
type Command byte

const (
	CmdForward    Command = 'U'
	CmdBackward   Command = 'D'
	CmdLeft       Command = 'L'
	CmdRight      Command = 'R'
	CmdSpeedUp    Command = 'W'
	CmdSpeedDown  Command = 'S'
	CmdHalt       Command = 'H'
	CmdDisconnect Command = 'Q'
)

// Directional commands are level-triggered: the robot keeps moving until it
// receives CmdHalt. The caller owns pairing a press with a release; there is
// no watchdog on the robot side, so a lost halt leaves the robot moving.
var commandNames = map[Command]string{
	CmdForward:    "move forward",
	CmdBackward:   "move backward",
	CmdLeft:       "turn left",
	CmdRight:      "turn right",
	CmdSpeedUp:    "increase speed",
	CmdSpeedDown:  "decrease speed",
	CmdHalt:       "halt",
	CmdDisconnect: "disconnect",
}

// Valid reports whether c belongs to the command vocabulary.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// Describe returns a human-readable description of the command action.
func (c Command) Describe() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown command"
}

// String returns the single-character wire form.
func (c Command) String() string {
	return string(rune(c))
}

// ParseCommand interprets a raw text frame as a bare command code.
// Surrounding whitespace is tolerated; anything other than exactly one
// character from the vocabulary is rejected.
func ParseCommand(text string) (Command, error) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) != 1 {
		return 0, fmt.Errorf("not a command code: %q", text)
	}
	cmd := Command(trimmed[0])
	if !cmd.Valid() {
		return 0, fmt.Errorf("invalid command: %q", trimmed)
	}
	return cmd, nil
}
