package mcpv2

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// SSETransportOption is a function that configures an SSE transport.
type SSETransportOption func(*SSETransport)

// SSETransport implements Transport over Server-Sent Events. Requests travel
// to the server as HTTP POSTs against the endpoint, while responses stream
// back over a long-lived SSE connection to the events URL (the endpoint's
// /events path unless overridden). Each "message" event carries one
// JSON-encoded Response.
//
// Like the WebSocket transport, the SSE transport never reconnects on its
// own: when the stream ends the connected flag is cleared and reconnection is
// the caller's decision.
type SSETransport struct {
	cfg     TransportConfig
	handler TransportHandler
	logger  *slog.Logger

	httpClient   *http.Client
	eventsURL    string
	maxEventSize int

	mu             sync.Mutex
	cancel         context.CancelFunc
	closing        chan struct{}
	recvDone       chan struct{}
	disconnectOnce *sync.Once

	connected atomic.Bool
}

// WithSSEHTTPClient sets the HTTP client used for both the event stream and
// message posts. The client must not carry a global timeout, as it would cut
// the stream off; per-operation deadlines come from contexts.
func WithSSEHTTPClient(client *http.Client) SSETransportOption {
	return func(t *SSETransport) {
		t.httpClient = client
	}
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSEEventsURL sets the URL of the event stream. Without this option the
// stream is read from the endpoint's /events path.
func WithSSEEventsURL(eventsURL string) SSETransportOption {
	return func(t *SSETransport) {
		t.eventsURL = eventsURL
	}
}

// WithSSEMaxEventSize sets the maximum size of a single event payload that can
// be received from the server. Larger events fail the stream.
func WithSSEMaxEventSize(size int) SSETransportOption {
	return func(t *SSETransport) {
		t.maxEventSize = size
	}
}

// NewSSETransport creates an SSE transport for the given configuration. The
// transport is not connected until Connect is called.
func NewSSETransport(cfg TransportConfig, options ...SSETransportOption) *SSETransport {
	t := &SSETransport{
		cfg:        cfg.withDefaults(),
		handler:    noopHandler{},
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
	}
	for _, opt := range options {
		opt(t)
	}
	if t.eventsURL == "" {
		t.eventsURL = strings.TrimRight(t.cfg.Endpoint, "/") + "/events"
	}
	return t
}

// Bind installs the handler receiving this transport's callbacks.
func (t *SSETransport) Bind(h TransportHandler) {
	t.handler = h
}

// Connect opens the event stream and starts the receive loop. The stream
// itself outlives ctx; ctx only bounds connection establishment.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		cancel()
		terr := transportErrorf("connect", "build stream request: %v", err)
		t.handler.OnError(terr)
		return terr
	}
	req.Header.Set("Accept", "text/event-stream")

	// Abort the in-flight dial if ctx expires before headers arrive, without
	// tying the stream's lifetime to ctx.
	dialDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-dialDone:
		}
	}()

	res, err := t.httpClient.Do(req)
	close(dialDone)
	if err != nil {
		cancel()
		terr := &TransportError{Op: "connect", Err: err}
		t.handler.OnError(terr)
		return terr
	}

	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		cancel()
		terr := transportErrorf("connect", "unexpected status %d from event stream", res.StatusCode)
		t.handler.OnError(terr)
		return terr
	}

	t.cancel = cancel
	t.closing = make(chan struct{})
	t.recvDone = make(chan struct{})
	t.disconnectOnce = &sync.Once{}
	t.connected.Store(true)
	t.handler.OnConnect()
	t.logger.Debug("sse transport connected", "events_url", t.eventsURL)

	go t.listenEvents(res.Body, t.closing, t.recvDone)

	return nil
}

// Disconnect cancels the event stream and waits for the receive loop to exit.
// The wait is bounded by ctx; OnDisconnect fires even when the wait is cut
// short.
func (t *SSETransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	closing := t.closing
	recvDone := t.recvDone
	once := t.disconnectOnce
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}

	close(closing)
	cancel()

	select {
	case <-recvDone:
	case <-ctx.Done():
		t.connected.Store(false)
		once.Do(t.handler.OnDisconnect)
		return &TransportError{Op: "disconnect", Err: ctx.Err()}
	}

	t.connected.Store(false)
	once.Do(t.handler.OnDisconnect)
	t.logger.Debug("sse transport disconnected", "events_url", t.eventsURL)
	return nil
}

// IsConnected reports whether the event stream is established and the receive
// loop is still running.
func (t *SSETransport) IsConnected() bool {
	return t.connected.Load()
}

// Send posts the request to the endpoint. The response arrives later over the
// event stream, not in the POST body.
func (t *SSETransport) Send(ctx context.Context, req *Request) error {
	if !t.connected.Load() {
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

	sendCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(sendCtx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		terr := transportErrorf("send", "build request: %v", err)
		t.handler.OnError(terr)
		return terr
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := t.httpClient.Do(httpReq)
	if err != nil {
		terr := &TransportError{Op: "send", Err: err}
		t.handler.OnError(terr)
		return terr
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		terr := transportErrorf("send", "unexpected status %d", httpRes.StatusCode)
		t.handler.OnError(terr)
		return terr
	}

	return nil
}

// Close disconnects the transport.
func (t *SSETransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeGraceTimeout)
	defer cancel()
	return t.Disconnect(ctx)
}

// listenEvents consumes the SSE stream until it ends or shutdown is signaled.
// A payload that fails to decode is reported and skipped; it never stops the
// loop. Every exit path clears the connected flag.
func (t *SSETransport) listenEvents(body io.ReadCloser, closing, recvDone chan struct{}) {
	defer close(recvDone)
	defer t.connected.Store(false)
	defer body.Close()

	var config *sse.ReadConfig
	if t.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxEventSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			select {
			case <-closing:
			default:
				t.handler.OnError(&TransportError{Op: "receive", Err: err})
			}
			return
		}

		switch ev.Type {
		case "message", "":
			var res Response
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				t.handler.OnError(transportErrorf("receive", "decode event: %v", err))
				continue
			}
			t.handler.OnMessage(&res)
		default:
			t.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
}
