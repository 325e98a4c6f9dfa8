// Package protocol defines the JSON-RPC 2.0 wire protocol spoken on the
// gateway WebSocket, shared between server and clients.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Version is the JSON-RPC version string carried on every frame.
const Version = "2.0"

// Request is a client → server JSON-RPC call.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is a server → client reply to a Request.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Notification is a server-initiated frame (no id).
type Notification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes plus gateway-specific extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAuthFailed      = -32000
	CodeSessionNotFound = -32001
	CodeSessionLimit    = -32002
)

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{Jsonrpc: Version, Result: result, ID: id}
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{Jsonrpc: Version, Error: &Error{Code: code, Message: message}, ID: id}
}

// NewNotification builds a server-initiated notification frame.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{Jsonrpc: Version, Method: method, Params: params}
}

// Envelope is the pub/sub payload published on core:notify:<channel> and
// forwarded to subscribed WebSocket clients.
type Envelope struct {
	Channel   string      `json:"channel"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time in epoch millis.
func NewEnvelope(channel, event string, data interface{}) Envelope {
	return Envelope{Channel: channel, Event: event, Data: data, Timestamp: time.Now().UnixMilli()}
}
