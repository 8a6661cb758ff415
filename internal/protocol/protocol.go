// Package protocol defines the messages exchanged between the relay client and server.
//
// Every WebSocket text frame carries exactly one JSON envelope:
//
//	{"type": "command", "payload": "ls -la | grep go"}
//	{"type": "output",  "payload": "main.go\n"}
//
// Payloads are UTF-8 text. Bytes that are not valid UTF-8 are replaced with
// U+FFFD when a message is encoded, so binary command output does not survive
// byte-for-byte.
//
// "command" flows client -> server and carries the raw command line, untrimmed.
// "output" flows server -> client and carries either the command's standard
// output or an "Error: "-prefixed standard error string.
//
// There is no correlation identifier. Results are matched to commands purely by
// arrival order, which the server preserves by executing one command at a time
// per connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type identifies the kind of message in an envelope.
type Type string

const (
	// TypeCommand carries a command line from the client to the server.
	TypeCommand Type = "command"

	// TypeOutput carries the result of one command from the server to the client.
	TypeOutput Type = "output"
)

// ErrorPrefix marks an output payload as a failure report.
const ErrorPrefix = "Error: "

// ErrMalformedMessage is returned by Decode for frames that are not a valid envelope.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the envelope for all relay messages.
type Message struct {
	Type    Type   `json:"type"`
	Payload string `json:"payload"`
}

// Command builds a command message. text is passed through unchanged.
func Command(text string) Message {
	return Message{Type: TypeCommand, Payload: text}
}

// Output builds an output message.
func Output(payload string) Message {
	return Message{Type: TypeOutput, Payload: payload}
}

// Failure builds an output message reporting an error.
func Failure(detail string) Message {
	return Output(ErrorPrefix + detail)
}

// IsFailure reports whether an output payload is an error report.
func (m Message) IsFailure() bool {
	return m.Type == TypeOutput && strings.HasPrefix(m.Payload, ErrorPrefix)
}

// Encode serializes the message to its wire form.
func (m Message) Encode() ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return json.Marshal(m)
}

// Decode parses a wire frame. Unknown types are not rejected here; routing
// decides what to do with them.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}
