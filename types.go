package mcpv2

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MustString is a type that enforces string representation for fields that can be either
// string or integer on the wire, such as request IDs. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// Request represents an MCP v2 request envelope. It follows the JSON-RPC 2.0
// request shape extended with protocol version, timestamp, metadata, and an
// optional context carried alongside the call.
type Request struct {
	// ID uniquely identifies this request among all in-flight requests.
	ID MustString `json:"id"`
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// Method contains the RPC method name.
	Method string `json:"method"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Version is the MCP protocol version, "2.0".
	Version string `json:"version,omitempty"`
	// Timestamp records when the request was created, in UTC.
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries client-defined key-value pairs alongside the call.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Context is the contextual state propagated with the request.
	Context *ContextInfo `json:"context,omitempty"`
}

// Response represents an MCP v2 response envelope correlated to a request by ID.
// Exactly one of Result or Error is populated.
type Response struct {
	// ID echoes the ID of the request this response answers.
	ID MustString `json:"id"`
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
	// Version is the MCP protocol version, "2.0".
	Version string `json:"version,omitempty"`
	// Timestamp records when the response was produced, in UTC.
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries server-defined key-value pairs alongside the response.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Context is the contextual state propagated back with the response.
	Context *ContextInfo `json:"context,omitempty"`
}

// Error represents a protocol-level error carried in a Response. It follows the
// standard JSON-RPC 2.0 error object format extended with a symbolic type.
type Error struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or MCP codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`

	// Type is the symbolic name of the error category, such as "METHOD_NOT_FOUND".
	Type string `json:"type,omitempty"`
}

// ContextInfo is the contextual state a client maintains and attaches to outgoing
// requests: session and user identity, negotiated capabilities, arbitrary metadata,
// and scheduling hints.
type ContextInfo struct {
	SessionID    string          `json:"session_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`

	// TTL is the context's time to live in seconds; zero means unbounded.
	TTL int `json:"ttl,omitempty"`
	// Priority is a scheduling hint; higher values indicate more urgent work.
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// EventType identifies the kind of lifecycle event a client emits.
type EventType string

// Event describes a single client lifecycle occurrence: a request going out,
// a response or error coming back, a connection state change, a context update,
// or a metrics snapshot.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      any            `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
	Target    string         `json:"target,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventType values emitted by the client.
const (
	EventRequestSent      EventType = "request.sent"
	EventResponseReceived EventType = "response.received"
	EventErrorOccurred    EventType = "error.occurred"
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventConnectionError  EventType = "connection.error"
	EventContextUpdated   EventType = "context.updated"
	EventMetricsCollected EventType = "metrics.collected"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion specifies the MCP protocol version carried in the version field.
	ProtocolVersion = "2.0"
)

// Error codes used in the Error.Code field. Codes -32700 through -32600 follow
// the JSON-RPC 2.0 specification; the remaining codes are MCP v2 extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerErrorStart and CodeServerErrorEnd bound the range reserved for
	// implementation-defined server errors.
	CodeServerErrorStart = -32000
	CodeServerErrorEnd   = -32099

	CodeContextInvalid   = -32100
	CodeContextExpired   = -32101
	CodeTransportError   = -32200
	CodeAuthentication   = -32300
	CodeAuthorization    = -32301
	CodeRateLimited      = -32400
	CodeResourceNotFound = -32404
	CodeResourceConflict = -32409
	CodeValidation       = -32422
)

// NewRequest builds a Request for the given method with a fresh unique ID,
// protocol version fields populated, and a UTC creation timestamp. The params
// value is marshaled to JSON; a nil params leaves the field empty.
func NewRequest(method string, params any) (*Request, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: method must not be empty", ErrInvalidRequest)
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal params: %v", ErrInvalidRequest, err)
		}
		raw = data
	}

	return &Request{
		ID:        MustString(uuid.New().String()),
		JSONRPC:   JSONRPCVersion,
		Method:    method,
		Params:    raw,
		Version:   ProtocolVersion,
		Timestamp: time.Now().UTC(),
	}, nil
}

// IsSuccess reports whether the response carries a result rather than an error.
func (r *Response) IsSuccess() bool {
	return r.Error == nil
}

// UnmarshalResult decodes the response result into v. It fails when the
// response carries no result or when decoding fails.
func (r *Response) UnmarshalResult(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("response %s has no result", r.ID)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

func (e *Error) Error() string {
	typ := e.Type
	if typ == "" {
		typ = "ERROR"
	}
	return fmt.Sprintf("[%s:%d] %s", typ, e.Code, e.Message)
}

// clone returns a deep copy so callers cannot mutate shared state.
func (c *ContextInfo) clone() *ContextInfo {
	if c == nil {
		return nil
	}
	out := *c
	if c.Capabilities != nil {
		out.Capabilities = make(map[string]bool, len(c.Capabilities))
		for k, v := range c.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	return &out
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}
