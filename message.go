package main

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Direction classifies a message relative to the peer that sent it.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
	DirectionNotification
)

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionResponse:
		return "response"
	case DirectionNotification:
		return "notification"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Message is one framed JSON-RPC envelope. ID holds the raw correlation id
// exactly as it appeared on the wire (number or string), nil for
// notifications. Payload is the complete envelope, opaque to the relay.
type Message struct {
	ID        json.RawMessage
	Direction Direction
	Payload   json.RawMessage
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcEnvelope is the subset of a JSON-RPC 2.0 envelope the relay inspects.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

// classifyMessage parses one frame into a Message. A method with an id is a
// request, a method without an id is a notification, and anything else
// carrying an id is a response.
func classifyMessage(frame []byte) (Message, error) {
	var env rpcEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, &FramingError{Reason: "malformed envelope", Cause: err}
	}
	msg := Message{Payload: frame}
	if !isNullID(env.ID) {
		msg.ID = env.ID
	}
	switch {
	case env.Method != "" && msg.ID != nil:
		msg.Direction = DirectionRequest
	case env.Method != "":
		msg.Direction = DirectionNotification
	case msg.ID != nil:
		msg.Direction = DirectionResponse
	default:
		return Message{}, &FramingError{Reason: "envelope has neither method nor id"}
	}
	return msg, nil
}

func isNullID(id json.RawMessage) bool {
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// rewriteEnvelopeID returns the envelope with its id replaced. Used by the
// router to substitute a session-scoped correlation id on the way out and to
// restore the caller's original id on the way back.
func rewriteEnvelopeID(frame []byte, id json.RawMessage) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("rewrite id: %w", err)
	}
	if id == nil {
		delete(raw, "id")
	} else {
		raw["id"] = id
	}
	return json.Marshal(raw)
}

func correlationID(n uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", n))
}

func parseCorrelationID(id json.RawMessage) (uint64, bool) {
	var n uint64
	if err := json.Unmarshal(id, &n); err != nil {
		return 0, false
	}
	return n, true
}
