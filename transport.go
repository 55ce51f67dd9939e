package mcpv2

import (
	"context"
	"time"
)

// TransportKind identifies a transport implementation in configuration.
type TransportKind string

// TransportKind values accepted by NewTransport.
const (
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
	TransportSSE       TransportKind = "sse"
	TransportGRPC      TransportKind = "grpc"
)

// TransportHandler receives transport lifecycle callbacks. The Client installs
// one handler into its transport through Bind before any use; transports must
// never invoke a hook before Bind has been called.
type TransportHandler interface {
	// OnMessage is called for every inbound message decoded into a Response,
	// regardless of whether it carries a result or an error.
	OnMessage(res *Response)

	// OnConnect is called after a connection has been established. The
	// implementation must call it exactly once per successful connect.
	OnConnect()

	// OnDisconnect is called after a connection has been torn down. The
	// implementation must call it exactly once per successful disconnect.
	OnDisconnect()

	// OnError is called for transport-level failures: connection establishment,
	// send failures, and receive or decode failures. Retried attempts that
	// later succeed are not reported.
	OnError(err error)
}

// Transport provides the communication layer beneath a Client. Implementations
// carry serialized Request payloads to a server and deliver inbound Response
// payloads through the bound TransportHandler.
type Transport interface {
	// Bind installs the handler that receives this transport's lifecycle
	// callbacks. The caller is guaranteed to call this method exactly once,
	// before Connect.
	Bind(h TransportHandler)

	// Connect establishes the connection. On success the implementation marks
	// itself connected and invokes OnConnect. Operations are canceled when the
	// context is canceled.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and invokes OnDisconnect. It is
	// idempotent; disconnecting a transport that is not connected is a no-op.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the transport currently holds a usable
	// connection.
	IsConnected() bool

	// Send transmits a request to the server. Sending on a disconnected
	// transport fails fast without network I/O.
	Send(ctx context.Context, req *Request) error

	// Close releases all resources held by the transport. A connected
	// transport is disconnected first. The caller is guaranteed to call this
	// method only once.
	Close() error
}

// TransportConfig describes how a transport reaches its server.
type TransportConfig struct {
	// Kind selects the transport implementation.
	Kind TransportKind `json:"type"`

	// Endpoint is the server address: an http(s) URL for the HTTP and SSE
	// transports, a ws(s) URL for the WebSocket transport.
	Endpoint string `json:"endpoint"`

	// Timeout bounds individual transport operations and is the time budget
	// for each request awaiting its response. Zero means the default of 30s.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryAttempts is the total number of send attempts the HTTP transport
	// makes before giving up. Zero means the default of 3.
	RetryAttempts int `json:"retry_attempts,omitempty"`

	// Options carries implementation-specific extras.
	Options map[string]any `json:"options,omitempty"`
}

var (
	defaultTransportTimeout = 30 * time.Second

	defaultRetryAttempts = 3

	// closeGraceTimeout bounds the implicit disconnect performed by Close,
	// on transports and on the client alike.
	closeGraceTimeout = 5 * time.Second
)

// withDefaults returns a copy with zero fields replaced by defaults.
func (c TransportConfig) withDefaults() TransportConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultTransportTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	return c
}

// noopHandler stands in until Bind is called so transports never have to
// nil-check their handler.
type noopHandler struct{}

func (noopHandler) OnMessage(*Response) {}
func (noopHandler) OnConnect()          {}
func (noopHandler) OnDisconnect()       {}
func (noopHandler) OnError(error)       {}
