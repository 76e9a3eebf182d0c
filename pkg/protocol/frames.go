// Package protocol defines the wire contract of the Warden gateway: the
// frame envelopes exchanged over the WebSocket, the RPC method names, and
// the event names pushed to clients. Everything a client needs to speak to
// the gateway lives here; nothing here imports internal packages.
package protocol

import "encoding/json"

// ProtocolVersion is bumped when frame semantics change incompatibly.
// Clients read it from the /health endpoint and the status method.
const ProtocolVersion = 1

// Frame type discriminators, carried in the "type" field of every frame.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client-to-server RPC call. ID is chosen by the client
// and echoed on the matching ResponseFrame.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`
}

// EventFrame is a server-to-client push, not tied to any request. Event
// carries the bus event type (e.g. "subagent.completed"); Seq is assigned
// once per event by the server, so clients can detect dropped frames.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
}

// FrameError describes a failed request.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in FrameError.Code.
const (
	ErrBadRequest   = "bad_request"
	ErrUnauthorized = "unauthorized"
	ErrNotFound     = "not_found"
	ErrRateLimited  = "rate_limited"
	ErrUnavailable  = "unavailable"
	ErrInternal     = "internal"
)

// OK builds a successful response for the given request id.
func OK(id string, payload any) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// Fail builds an error response for the given request id.
func Fail(id, code, message string) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, Error: &FrameError{Code: code, Message: message}}
}
