// Package jsonrpc provides JSON-RPC 2.0 message parsing for the relay.
//
// It handles parsing and classification of the messages exchanged between
// an agent and a tool server, with particular attention to extracting the
// tool name and arguments out of a tools/call request so the policy and
// risk engines can evaluate it before it reaches the server.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC version this package accepts.
const Version = "2.0"

// Parsing and validation errors.
var (
	ErrInvalidJSON    = errors.New("jsonrpc: invalid JSON")
	ErrInvalidVersion = errors.New("jsonrpc: version must be 2.0")
	ErrMissingMethod  = errors.New("jsonrpc: missing method field")
)

// JSON-RPC 2.0 error codes, plus the one the relay uses for a denied call.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Denied is the code the relay returns in place of forwarding a call
	// the policy or risk engine refused to let through. It reuses the
	// standard "invalid request" code since a denied call is, from the
	// caller's perspective, not a request the server will ever see.
	Denied = InvalidRequest
)

// Message represents one JSON-RPC 2.0 message: a request (method+id), a
// notification (method, no id), or a response (result or error, with id).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MessageType indicates which of the three JSON-RPC message shapes a
// Message has.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeRequest
	TypeNotification
	TypeResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeNotification:
		return "notification"
	case TypeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Type classifies the message by which fields are present.
func (m *Message) Type() MessageType {
	hasMethod := m.Method != ""
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil

	switch {
	case hasResult || hasError:
		return TypeResponse
	case hasMethod && hasID:
		return TypeRequest
	case hasMethod && !hasID:
		return TypeNotification
	default:
		return TypeUnknown
	}
}

// Parse parses and validates a raw JSON-RPC message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if msg.JSONRPC != Version {
		return nil, ErrInvalidVersion
	}

	if msg.Type() == TypeUnknown && msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, ErrMissingMethod
	}

	return &msg, nil
}

// Serialize converts a Message to JSON bytes.
func Serialize(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// ToolCall is the extracted shape of a tools/call request's params.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// ExtractToolCall returns the tool name and raw arguments from a
// tools/call message, or nil if msg is not a tools/call.
func ExtractToolCall(msg *Message) *ToolCall {
	if msg.Method != "tools/call" || len(msg.Params) == 0 {
		return nil
	}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return nil
	}
	return &ToolCall{Name: params.Name, Arguments: params.Arguments}
}

// NewErrorResponse builds an error response message, used both for
// protocol-level errors and for a relay denial.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) (*Message, error) {
	msg := &Message{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}

	if data != nil {
		d, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding error data: %w", err)
		}
		msg.Error.Data = d
	}

	return msg, nil
}

// NewDenialResponse builds the error response the relay sends in place of
// forwarding a call the policy or risk engine refused, carrying the
// refusing component's reason in the error data.
func NewDenialResponse(id json.RawMessage, reason string) (*Message, error) {
	return NewErrorResponse(id, Denied, "tool call denied by policy", map[string]string{"reason": reason})
}

// IsMCPMethod reports whether method is one of the methods the relay
// recognizes well enough to classify for logging purposes.
func IsMCPMethod(method string) bool {
	mcpMethods := map[string]bool{
		"initialize":           true,
		"initialized":          true,
		"ping":                 true,
		"tools/list":           true,
		"tools/call":           true,
		"resources/list":       true,
		"resources/read":       true,
		"resources/subscribe":  true,
		"prompts/list":         true,
		"prompts/get":          true,
		"logging/setLevel":     true,
		"completion/complete":  true,
	}
	return mcpMethods[method]
}
