// Package signaling drives a call through its lifecycle over a WebSocket
// connection. Each connection authenticates against one call with a hello
// message, then exchanges action and progress messages; state changes
// committed by any process instance reach every attached connection through
// the pub/sub bus.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage rejects frames that are not valid JSON objects.
var ErrMalformedMessage = errors.New("signaling: malformed message")

// UnknownMessageTypeError rejects well-formed frames whose messageType is
// outside the protocol.
type UnknownMessageTypeError struct {
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("signaling: unknown messageType %q", e.Type)
}

// Inbound is a parsed client frame. The variant set is closed: Hello,
// Action and Echo are the only messages a client may send, and every
// dispatch site switches over all three.
type Inbound interface {
	inbound()
}

// Hello attaches the connection to a call. Auth must match one of the
// call's two signaling tokens; which one it matches decides the role this
// connection drives.
type Hello struct {
	CallID string `json:"callId"`
	Auth   string `json:"auth"`
}

// Action proposes a lifecycle event for the attached call. Reason is only
// meaningful with the terminate event.
type Action struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// Echo is reflected back verbatim; clients use it as an application-level
// keepalive.
type Echo struct {
	Echo json.RawMessage `json:"echo"`
}

func (Hello) inbound()  {}
func (Action) inbound() {}
func (Echo) inbound()   {}

// DecodeInbound parses one text frame into its protocol variant.
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		MessageType string `json:"messageType"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedMessage
	}

	switch env.MessageType {
	case "hello":
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformedMessage
		}
		return m, nil
	case "action":
		var m Action
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformedMessage
		}
		return m, nil
	case "echo":
		var m Echo
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformedMessage
		}
		return m, nil
	default:
		return nil, &UnknownMessageTypeError{Type: env.MessageType}
	}
}

type helloReply struct {
	MessageType string `json:"messageType"`
	State       string `json:"state"`
}

type progressMessage struct {
	MessageType string `json:"messageType"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
}

type errorMessage struct {
	MessageType string `json:"messageType"`
	Reason      string `json:"reason"`
}

type echoReply struct {
	MessageType string          `json:"messageType"`
	Echo        json.RawMessage `json:"echo"`
}

func encodeHello(state string) []byte {
	return mustEncode(helloReply{MessageType: "hello", State: state})
}

func encodeProgress(state, reason string) []byte {
	return mustEncode(progressMessage{MessageType: "progress", State: state, Reason: reason})
}

func encodeError(reason string) []byte {
	return mustEncode(errorMessage{MessageType: "error", Reason: reason})
}

func encodeEcho(echo json.RawMessage) []byte {
	return mustEncode(echoReply{MessageType: "echo", Echo: echo})
}

// mustEncode marshals fixed outbound shapes; these cannot fail for the
// types above.
func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
