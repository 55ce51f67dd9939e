package mcpv2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// HTTPTransportOption is a function that configures an HTTP transport.
type HTTPTransportOption func(*HTTPTransport)

// HTTPTransport implements Transport over plain HTTP. Each request is carried
// by its own POST to the configured endpoint, and the response body is decoded
// and delivered through the bound handler before Send returns. Connect verifies
// the server with a HEAD preflight against the endpoint's /health path.
//
// Failed sends are retried with exponential backoff up to the configured
// attempt count; only the final failure is reported through OnError.
type HTTPTransport struct {
	cfg     TransportConfig
	handler TransportHandler
	logger  *slog.Logger

	httpClient *http.Client

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	connected atomic.Bool
}

var (
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// WithHTTPClient sets the underlying HTTP client used for all calls. Without
// this option Connect builds one with the configured timeout.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.httpClient = client
	}
}

// WithHTTPLogger sets the logger for the transport.
func WithHTTPLogger(logger *slog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHTTPRetryDelays sets the initial and maximum delay between send
// attempts. The delay starts at base and doubles per attempt up to max.
func WithHTTPRetryDelays(base, max time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.retryBaseDelay = base
		t.retryMaxDelay = max
	}
}

// NewHTTPTransport creates an HTTP transport for the given configuration.
// The transport is not connected until Connect is called.
func NewHTTPTransport(cfg TransportConfig, options ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		cfg:            cfg.withDefaults(),
		handler:        noopHandler{},
		logger:         slog.Default(),
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Bind installs the handler receiving this transport's callbacks.
func (t *HTTPTransport) Bind(h TransportHandler) {
	t.handler = h
}

// Connect prepares the HTTP client and verifies the server is reachable with a
// HEAD request against the endpoint's /health path. Any non-2xx preflight
// status fails the connect.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}

	if t.httpClient == nil {
		t.httpClient = &http.Client{Timeout: t.cfg.Timeout}
	}

	healthURL, err := t.healthURL()
	if err != nil {
		terr := transportErrorf("connect", "parse endpoint %q: %v", t.cfg.Endpoint, err)
		t.handler.OnError(terr)
		return terr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, healthURL, nil)
	if err != nil {
		terr := transportErrorf("connect", "build health request: %v", err)
		t.handler.OnError(terr)
		return terr
	}

	res, err := t.httpClient.Do(req)
	if err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		t.handler.OnError(terr)
		return terr
	}
	res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		terr := transportErrorf("connect", "health check returned status %d", res.StatusCode)
		t.handler.OnError(terr)
		return terr
	}

	t.connected.Store(true)
	t.handler.OnConnect()
	t.logger.Debug("http transport connected", "endpoint", t.cfg.Endpoint)
	return nil
}

// Disconnect releases idle connections and marks the transport disconnected.
func (t *HTTPTransport) Disconnect(context.Context) error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	if t.httpClient != nil {
		t.httpClient.CloseIdleConnections()
	}
	t.handler.OnDisconnect()
	t.logger.Debug("http transport disconnected", "endpoint", t.cfg.Endpoint)
	return nil
}

// IsConnected reports whether Connect has succeeded and Disconnect has not
// been called since.
func (t *HTTPTransport) IsConnected() bool {
	return t.connected.Load()
}

// Send posts the request to the endpoint and delivers the decoded response
// through OnMessage. Failed attempts are retried with exponential backoff;
// after the configured attempts are exhausted the final failure is reported
// through OnError and returned.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) error {
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

	var lastErr error
	delay := t.retryBaseDelay
	for attempt := 1; attempt <= t.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			t.logger.Debug("retrying send", "id", req.ID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				terr := &TransportError{Op: "send", Err: ctx.Err()}
				t.handler.OnError(terr)
				return terr
			}
			delay *= 2
			if delay > t.retryMaxDelay {
				delay = t.retryMaxDelay
			}
		}

		res, err := t.post(ctx, payload)
		if err != nil {
			lastErr = err
			continue
		}

		t.handler.OnMessage(res)
		return nil
	}

	terr := &TransportError{Op: "send", Err: fmt.Errorf("%d attempts failed, last: %w", t.cfg.RetryAttempts, lastErr)}
	t.handler.OnError(terr)
	return terr
}

// Close disconnects the transport.
func (t *HTTPTransport) Close() error {
	return t.Disconnect(context.Background())
}

func (t *HTTPTransport) post(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpRes, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", httpRes.StatusCode)
	}

	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var res Response
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

// healthURL resolves the /health path against the endpoint's base URL.
func (t *HTTPTransport) healthURL() (string, error) {
	base, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	health, err := base.Parse("/health")
	if err != nil {
		return "", err
	}
	return health.String(), nil
}
