package mcpv2

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransportOption is a function that configures a WebSocket transport.
type WebSocketTransportOption func(*WebSocketTransport)

// WebSocketTransport implements Transport over a persistent WebSocket
// connection. Requests are written as text frames; a background receive loop
// decodes inbound frames into Responses and delivers them through the bound
// handler. Connection health is maintained with keep-alive pings: a pong must
// arrive within the ping interval plus the ping timeout or the read fails.
//
// The transport never reconnects on its own. When the socket closes, the loop
// exits and the connected flag is cleared; re-establishing the connection is
// the caller's decision.
type WebSocketTransport struct {
	cfg     TransportConfig
	handler TransportHandler
	logger  *slog.Logger

	pingInterval     time.Duration
	pingTimeout      time.Duration
	handshakeTimeout time.Duration

	mu             sync.Mutex
	conn           *websocket.Conn
	closing        chan struct{}
	recvDone       chan struct{}
	disconnectOnce *sync.Once

	writeMu   sync.Mutex
	connected atomic.Bool
}

var (
	defaultPingInterval     = 30 * time.Second
	defaultPingTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// WithWebSocketLogger sets the logger for the transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketTransportOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

// WithWebSocketPing sets the keep-alive ping interval and the time allowed for
// the matching pong to arrive.
func WithWebSocketPing(interval, timeout time.Duration) WebSocketTransportOption {
	return func(t *WebSocketTransport) {
		t.pingInterval = interval
		t.pingTimeout = timeout
	}
}

// WithWebSocketHandshakeTimeout sets the timeout for the opening handshake.
func WithWebSocketHandshakeTimeout(timeout time.Duration) WebSocketTransportOption {
	return func(t *WebSocketTransport) {
		t.handshakeTimeout = timeout
	}
}

// NewWebSocketTransport creates a WebSocket transport for the given
// configuration. The transport is not connected until Connect is called.
func NewWebSocketTransport(cfg TransportConfig, options ...WebSocketTransportOption) *WebSocketTransport {
	t := &WebSocketTransport{
		cfg:              cfg.withDefaults(),
		handler:          noopHandler{},
		logger:           slog.Default(),
		pingInterval:     defaultPingInterval,
		pingTimeout:      defaultPingTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Bind installs the handler receiving this transport's callbacks.
func (t *WebSocketTransport) Bind(h TransportHandler) {
	t.handler = h
}

// Connect dials the endpoint and starts the receive loop and the keep-alive
// pinger. Connecting an already connected transport is a no-op.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()

	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.Endpoint, nil)
	if err != nil {
		t.mu.Unlock()
		terr := &TransportError{Op: "connect", Err: err}
		t.handler.OnError(terr)
		return terr
	}

	readWait := t.pingInterval + t.pingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	closing := make(chan struct{})
	recvDone := make(chan struct{})
	t.conn = conn
	t.closing = closing
	t.recvDone = recvDone
	t.disconnectOnce = &sync.Once{}
	t.connected.Store(true)
	t.mu.Unlock()

	go t.receiveLoop(conn, closing, recvDone)
	go t.pingLoop(conn, closing)

	// The handler runs listeners synchronously, and a listener may call Send,
	// which takes the mutex. The lock must be released before this point.
	t.handler.OnConnect()
	t.logger.Debug("websocket transport connected", "endpoint", t.cfg.Endpoint)

	return nil
}

// Disconnect signals shutdown, sends a best-effort close frame, closes the
// socket to unblock the reader, and waits for the receive loop to exit. The
// wait is bounded by ctx; OnDisconnect fires even when the wait is cut short.
func (t *WebSocketTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	closing := t.closing
	recvDone := t.recvDone
	once := t.disconnectOnce
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	close(closing)

	deadline := time.Now().Add(closeGraceTimeout)
	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, closeFrame, deadline); err != nil {
		t.logger.Debug("websocket close frame failed", "error", err)
	}
	if err := conn.Close(); err != nil {
		t.logger.Debug("websocket close failed", "error", err)
	}

	select {
	case <-recvDone:
	case <-ctx.Done():
		t.connected.Store(false)
		once.Do(t.handler.OnDisconnect)
		return &TransportError{Op: "disconnect", Err: ctx.Err()}
	}

	t.connected.Store(false)
	once.Do(t.handler.OnDisconnect)
	t.logger.Debug("websocket transport disconnected", "endpoint", t.cfg.Endpoint)
	return nil
}

// IsConnected reports whether the socket is established and the receive loop
// is still running.
func (t *WebSocketTransport) IsConnected() bool {
	return t.connected.Load()
}

// Send writes the request as a text frame. The write deadline is the earlier
// of the context deadline and the configured timeout.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) error {
	if !t.connected.Load() {
		terr := &TransportError{Op: "send", Err: ErrNotConnected}
		t.handler.OnError(terr)
		return terr
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		terr := &TransportError{Op: "send", Err: ErrNotConnected}
		t.handler.OnError(terr)
		return terr
	}

	payload, err := json.Marshal(req)
	if err != nil {
		terr := transportErrorf("send", "marshal request %s: %v", req.ID, err)
		t.handler.OnError(terr)
		return terr
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		terr := &TransportError{Op: "send", Err: err}
		t.handler.OnError(terr)
		return terr
	}
	return nil
}

// Close disconnects the transport.
func (t *WebSocketTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeGraceTimeout)
	defer cancel()
	return t.Disconnect(ctx)
}

// receiveLoop reads frames until the socket closes or shutdown is signaled.
// A frame that fails to decode is reported and skipped; it never stops the
// loop. Every exit path clears the connected flag.
func (t *WebSocketTransport) receiveLoop(conn *websocket.Conn, closing, recvDone chan struct{}) {
	defer close(recvDone)
	defer t.connected.Store(false)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closing:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Debug("websocket closed by server", "endpoint", t.cfg.Endpoint)
				} else {
					t.handler.OnError(&TransportError{Op: "receive", Err: err})
				}
			}
			return
		}

		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			t.handler.OnError(transportErrorf("receive", "decode message: %v", err))
			continue
		}
		t.handler.OnMessage(&res)
	}
}

// pingLoop writes a ping every interval. Control writes are safe concurrently
// with data writes, so no write lock is taken.
func (t *WebSocketTransport) pingLoop(conn *websocket.Conn, closing chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closing:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.pingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Warn("websocket ping failed", "error", err)
				return
			}
		}
	}
}
