package mcpv2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// EventListener receives events synchronously as the client emits them.
// Listeners run on the goroutine that produced the event, so they should
// return quickly; a panicking listener is recovered and logged, never
// propagated.
type EventListener func(Event)

// outcome is the terminal state of a pending request: a correlated response
// or a cancellation error. Exactly one outcome is delivered per request.
type outcome struct {
	res *Response
	err error
}

// Client implements an MCP v2 client that orchestrates request/response
// exchanges over a Transport. It correlates responses to requests by id,
// enforces a per-request time budget, attaches its current context to
// outgoing requests, and reports its lifecycle through events and counters.
//
// All methods are safe for concurrent use. A Client must be created using
// NewClient or New and requires Connect to be called before requests can be
// sent. The client should be closed using Close when no longer needed; Close
// cancels every request still in flight.
type Client struct {
	cfg       ClientConfig
	transport Transport
	logger    *slog.Logger
	cache     *responseCache

	startTime time.Time

	pendingMu sync.Mutex
	pending   map[string]chan outcome

	listenersMu sync.Mutex
	listeners   map[EventType][]EventListener

	events chan Event
	done   chan struct{}

	contextMu sync.RWMutex
	context   *ContextInfo

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	requestsTotal  atomic.Int64
	responsesTotal atomic.Int64
	errorsTotal    atomic.Int64
	cacheHits      atomic.Int64
}

// defaultEventQueueSize bounds the pull-based event queue. When the queue is
// full new events are dropped with a warning rather than blocking emitters.
const defaultEventQueueSize = 128

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an MCP v2 client on top of the given transport.
//
// The configuration is normalized first: an empty client id is replaced with
// a fresh UUID, the protocol version defaults to "2.0", and transport
// timeouts fall back to their defaults. The client installs itself as the
// transport's handler, so the transport must not be shared between clients.
//
// The client is not connected until Connect is called.
func NewClient(cfg ClientConfig, transport Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport must not be nil", ErrInvalidRequest)
	}

	cfg = cfg.withDefaults()

	c := &Client{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
		pending:   make(map[string]chan outcome),
		listeners: make(map[EventType][]EventListener),
		events:    make(chan Event, defaultEventQueueSize),
		done:      make(chan struct{}),
		context:   cfg.DefaultContext.clone(),
	}
	for _, opt := range options {
		opt(c)
	}

	if !cfg.EnableLogging {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if cfg.EnableCaching {
		cache, err := newResponseCache(cfg.CacheTTL, cfg.CacheMethods, c.logger)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}

	transport.Bind(clientHandler{c})

	return c, nil
}

// Connect establishes the transport connection. It fails when the client has
// been closed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect tears the transport connection down. The client can be
// connected again afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// IsConnected reports whether both the client and its transport consider the
// connection live.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.transport.IsConnected()
}

// Send builds a request for the method with the given params and sends it.
// It is a convenience wrapper around NewRequest and SendRequest.
func (c *Client) Send(ctx context.Context, method string, params any) (*Response, error) {
	req, err := NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	return c.SendRequest(ctx, req)
}

// SendRequest sends the request and waits for its correlated response.
//
// The request is validated and enriched first: protocol fields and timestamp
// are filled when empty, the client's current context is attached when the
// request carries none, and client identity is stamped into the metadata.
// The wait is bounded by the transport timeout, counted from registration;
// when it fires the pending entry is removed before the caller is signaled,
// so a response arriving later is dropped rather than delivered.
//
// A response carrying a protocol error is returned together with that *Error
// as the error value, so callers can inspect both. Exactly one of response
// arrival, timeout, context cancellation, and client close resolves each
// request.
func (c *Client) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, c.fail(err)
	}

	c.enrichRequest(req)

	if c.cache != nil && c.cache.cacheable(req.Method) {
		if res := c.cache.get(req.Method, req.Params); res != nil {
			c.cacheHits.Add(1)
			c.logger.Debug("request served from cache", "id", req.ID, "method", req.Method)
			c.emit(EventResponseReceived, res)
			return res, nil
		}
	}

	id := string(req.ID)
	ch, err := c.register(id)
	if err != nil {
		return nil, c.fail(err)
	}

	c.requestsTotal.Add(1)
	c.emit(EventRequestSent, req)

	if err := c.transport.Send(ctx, req); err != nil {
		c.unregister(id)
		// The transport already reported this failure through OnError, so it
		// is not routed through fail a second time.
		return nil, fmt.Errorf("send request %s: %w", id, err)
	}

	timer := time.NewTimer(c.cfg.Transport.Timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return c.finishRequest(req, out)
	case <-timer.C:
		c.unregister(id)
		return nil, c.fail(fmt.Errorf("request %s after %s: %w", id, c.cfg.Transport.Timeout, ErrRequestTimeout))
	case <-ctx.Done():
		c.unregister(id)
		return nil, c.fail(fmt.Errorf("request %s: %w", id, ctx.Err()))
	case <-c.done:
		// Close cancels pending entries; prefer a delivered outcome over the
		// generic cancellation.
		select {
		case out := <-ch:
			return c.finishRequest(req, out)
		default:
			c.unregister(id)
			return nil, c.fail(fmt.Errorf("request %s cancelled: %w", id, ErrClientClosed))
		}
	}
}

// finishRequest turns a delivered outcome into the caller-facing result.
func (c *Client) finishRequest(req *Request, out outcome) (*Response, error) {
	if out.err != nil {
		return nil, c.fail(out.err)
	}

	res := out.res
	c.responsesTotal.Add(1)
	c.emit(EventResponseReceived, res)

	if res.Error != nil {
		return res, c.fail(res.Error)
	}

	if c.cache != nil && c.cache.cacheable(req.Method) {
		c.cache.put(req.Method, req.Params, res)
	}
	return res, nil
}

// UpdateContext replaces the client's current context. The context-updated
// event is emitted asynchronously so the caller never blocks on listeners.
func (c *Client) UpdateContext(info *ContextInfo) {
	c.contextMu.Lock()
	c.context = info.clone()
	c.contextMu.Unlock()

	c.logger.Debug("context updated", "client_id", c.cfg.ClientID)
	go c.emit(EventContextUpdated, info.clone())
}

// Context returns a copy of the client's current context, or nil when none
// is set.
func (c *Client) Context() *ContextInfo {
	c.contextMu.RLock()
	defer c.contextMu.RUnlock()
	return c.context.clone()
}

// AddEventListener registers a listener for the given event type. Listeners
// are invoked synchronously in registration order.
func (c *Client) AddEventListener(eventType EventType, listener EventListener) {
	if listener == nil {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[eventType] = append(c.listeners[eventType], listener)
}

// RemoveEventListener removes a previously registered listener. Removal
// matches by function identity: pass the same value that was registered.
// Removing an unknown listener is a no-op.
func (c *Client) RemoveEventListener(eventType EventType, listener EventListener) {
	if listener == nil {
		return
	}
	ptr := reflect.ValueOf(listener).Pointer()

	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	ls := c.listeners[eventType]
	for i, l := range ls {
		if reflect.ValueOf(l).Pointer() != ptr {
			continue
		}
		// Build a fresh slice so emit snapshots are never mutated underneath.
		next := make([]EventListener, 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		c.listeners[eventType] = next
		return
	}
}

// Events returns an iterator over the client's event stream. Every call
// produces a new iterator reading from the same shared queue, so concurrent
// iterators compete for events. The iterator blocks while the queue is empty
// and terminates once the client is closed, after draining whatever is
// already queued.
func (c *Client) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case ev := <-c.events:
				if !yield(ev) {
					return
				}
			case <-c.done:
				for {
					select {
					case ev := <-c.events:
						if !yield(ev) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}
}

// Metrics returns a snapshot of the client's counters and connection state.
// It returns an empty map when metrics are disabled.
func (c *Client) Metrics() map[string]any {
	if !c.cfg.EnableMetrics {
		return map[string]any{}
	}

	status := "disconnected"
	if c.connected.Load() {
		status = "connected"
	}

	c.pendingMu.Lock()
	pendingCount := len(c.pending)
	c.pendingMu.Unlock()

	m := map[string]any{
		"client_id":         c.cfg.ClientID,
		"version":           c.cfg.Version,
		"start_time":        c.startTime,
		"timestamp":         time.Now().UTC(),
		"requests_total":    c.requestsTotal.Load(),
		"responses_total":   c.responsesTotal.Load(),
		"errors_total":      c.errorsTotal.Load(),
		"connection_status": status,
		"connected":         c.IsConnected(),
		"pending_requests":  pendingCount,
	}
	if c.cache != nil {
		m["cache_hits"] = c.cacheHits.Load()
	}
	return m
}

// CollectMetrics takes a metrics snapshot and emits it as a
// metrics-collected event, returning the snapshot.
func (c *Client) CollectMetrics() map[string]any {
	m := c.Metrics()
	c.emit(EventMetricsCollected, m)
	return m
}

// Config returns a copy of the client's effective configuration.
func (c *Client) Config() ClientConfig {
	return c.cfg
}

// Close shuts the client down: it disconnects the transport, cancels every
// request still pending with a cancellation error, clears the listener
// registry, releases transport and cache resources, and terminates all
// Events iterators. Close is idempotent; only the first call does the work.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), closeGraceTimeout)
		defer cancel()
		if derr := c.transport.Disconnect(ctx); derr != nil {
			c.logger.Warn("transport disconnect failed during close", "error", derr)
		}

		c.cancelPending()

		c.listenersMu.Lock()
		c.listeners = make(map[EventType][]EventListener)
		c.listenersMu.Unlock()

		if cerr := c.transport.Close(); cerr != nil {
			err = fmt.Errorf("close transport: %w", cerr)
		}
		if c.cache != nil {
			if cerr := c.cache.close(); cerr != nil && err == nil {
				err = fmt.Errorf("close cache: %w", cerr)
			}
		}

		close(c.done)
		c.logger.Info("client closed", "client_id", c.cfg.ClientID)
	})
	return err
}

// validateRequest rejects requests that must never reach the transport.
func (c *Client) validateRequest(req *Request) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if req == nil {
		return fmt.Errorf("%w: request must not be nil", ErrInvalidRequest)
	}
	if strings.TrimSpace(string(req.ID)) == "" {
		return fmt.Errorf("%w: request id must not be empty", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Method) == "" {
		return fmt.Errorf("%w: request method must not be empty", ErrInvalidRequest)
	}
	if !c.IsConnected() {
		return fmt.Errorf("request %s: %w", req.ID, ErrNotConnected)
	}
	return nil
}

// enrichRequest fills protocol fields left empty and stamps client identity
// into the request metadata. Entries already present on the request win over
// client-level metadata.
func (c *Client) enrichRequest(req *Request) {
	if req.JSONRPC == "" {
		req.JSONRPC = JSONRPCVersion
	}
	if req.Version == "" {
		req.Version = ProtocolVersion
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if req.Context == nil {
		req.Context = c.Context()
	}

	meta := map[string]any{
		"client_id":      c.cfg.ClientID,
		"client_version": c.cfg.Version,
	}
	for k, v := range c.cfg.Metadata {
		meta[k] = v
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	req.Metadata = meta
}

// register adds a pending entry for the id. It fails when the id is already
// in flight or the client is closing.
func (c *Client) register(id string) (chan outcome, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("%w: request id %s already in flight", ErrInvalidRequest, id)
	}

	ch := make(chan outcome, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) unregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolve removes the pending entry for the id and delivers the outcome to
// its waiter. It reports false when no entry exists, which is the expected
// race for responses that lost against a timeout or cancellation. The entry
// is removed before the outcome is sent, making a second resolution of the
// same entry impossible; the panic below guards that invariant.
func (c *Client) resolve(id string, out outcome) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- out:
	default:
		panic(fmt.Sprintf("mcpv2: request %s resolved twice", id))
	}
	return true
}

// cancelPending delivers a cancellation outcome to every pending entry.
func (c *Client) cancelPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan outcome)
	c.pendingMu.Unlock()

	for id, ch := range pending {
		select {
		case ch <- outcome{err: fmt.Errorf("request %s cancelled: %w", id, ErrClientClosed)}:
		default:
		}
	}
}

// fail routes an error through the shared handling path: count it, emit an
// error-occurred event, log it, and hand it back to the caller.
func (c *Client) fail(err error) error {
	c.errorsTotal.Add(1)
	c.logger.Error("client error", "client_id", c.cfg.ClientID, "error_type", errorType(err), "error", err)
	c.emit(EventErrorOccurred, map[string]any{
		"error":      err.Error(),
		"error_type": errorType(err),
	})
	return err
}

// emit queues the event for pull-based consumers and fans it out to the
// registered listeners. The queue never blocks: when full, the event is
// dropped with a warning.
func (c *Client) emit(eventType EventType, data any) {
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Source:    c.cfg.ClientID,
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event queue full, dropping event", "type", eventType)
	}

	c.listenersMu.Lock()
	ls := c.listeners[eventType]
	c.listenersMu.Unlock()

	for _, l := range ls {
		c.invokeListener(eventType, l, ev)
	}
}

func (c *Client) invokeListener(eventType EventType, l EventListener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("event listener panicked", "type", eventType, "panic", r)
		}
	}()
	l(ev)
}

// errorType maps an error to the symbolic category name used in event
// payloads and logs.
func errorType(err error) string {
	var mcpErr *Error
	var terr *TransportError
	switch {
	case errors.As(err, &mcpErr):
		if mcpErr.Type != "" {
			return mcpErr.Type
		}
		return "PROTOCOL_ERROR"
	case errors.As(err, &terr):
		return "TRANSPORT_ERROR"
	case errors.Is(err, ErrRequestTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrClientClosed):
		return "CLIENT_CLOSED"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	default:
		return "INTERNAL_ERROR"
	}
}

// clientHandler adapts the Client to the TransportHandler interface without
// exposing the hooks on the public API.
type clientHandler struct {
	c *Client
}

func (h clientHandler) OnMessage(res *Response) {
	if res == nil {
		return
	}
	id := string(res.ID)
	if !h.c.resolve(id, outcome{res: res}) {
		h.c.logger.Warn("response for unknown request", "id", id)
	}
}

func (h clientHandler) OnConnect() {
	h.c.connected.Store(true)
	h.c.logger.Info("connection established",
		"client_id", h.c.cfg.ClientID, "endpoint", h.c.cfg.Transport.Endpoint)
	h.c.emit(EventConnectionOpened, map[string]any{"endpoint": h.c.cfg.Transport.Endpoint})
}

func (h clientHandler) OnDisconnect() {
	h.c.connected.Store(false)
	h.c.logger.Info("connection closed",
		"client_id", h.c.cfg.ClientID, "endpoint", h.c.cfg.Transport.Endpoint)
	h.c.emit(EventConnectionClosed, map[string]any{"endpoint": h.c.cfg.Transport.Endpoint})
}

func (h clientHandler) OnError(err error) {
	h.c.emit(EventConnectionError, map[string]any{
		"error":      err.Error(),
		"error_type": errorType(err),
	})
	_ = h.c.fail(err)
}
