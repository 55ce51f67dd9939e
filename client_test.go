package mcpv2_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	mcpv2 "github.com/mcp-orchestration/mcp-v2-go-client"
)

type mockTransport struct {
	lock      sync.Mutex
	handler   mcpv2.TransportHandler
	connected bool
	sent      []*mcpv2.Request

	connectErr error
	sendErr    error

	// respond builds the response delivered for each sent request. A nil
	// respond (or a nil response) leaves the request unanswered.
	respond func(req *mcpv2.Request) *mcpv2.Response
}

func (m *mockTransport) Bind(h mcpv2.TransportHandler) {
	m.handler = h
}

func (m *mockTransport) Connect(context.Context) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.lock.Lock()
	m.connected = true
	m.lock.Unlock()
	m.handler.OnConnect()
	return nil
}

func (m *mockTransport) Disconnect(context.Context) error {
	m.lock.Lock()
	wasConnected := m.connected
	m.connected = false
	m.lock.Unlock()
	if wasConnected {
		m.handler.OnDisconnect()
	}
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.connected
}

func (m *mockTransport) Send(_ context.Context, req *mcpv2.Request) error {
	if m.sendErr != nil {
		// Report the failure through OnError the way the real transports do.
		terr := &mcpv2.TransportError{Op: "send", Err: m.sendErr}
		m.handler.OnError(terr)
		return terr
	}
	m.lock.Lock()
	m.sent = append(m.sent, req)
	respond := m.respond
	m.lock.Unlock()

	if respond != nil {
		if res := respond(req); res != nil {
			// Deliver on a separate goroutine like a real transport would.
			go m.handler.OnMessage(res)
		}
	}
	return nil
}

func (m *mockTransport) Close() error {
	return m.Disconnect(context.Background())
}

func (m *mockTransport) deliver(res *mcpv2.Response) {
	m.handler.OnMessage(res)
}

func (m *mockTransport) sentCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sent)
}

func (m *mockTransport) lastSent() *mcpv2.Request {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func echoResponse(req *mcpv2.Request) *mcpv2.Response {
	return &mcpv2.Response{
		ID:        req.ID,
		JSONRPC:   mcpv2.JSONRPCVersion,
		Result:    json.RawMessage(`{"ok":true}`),
		Version:   mcpv2.ProtocolVersion,
		Timestamp: time.Now().UTC(),
	}
}

func newEchoTransport() *mockTransport {
	return &mockTransport{respond: echoResponse}
}

func testConfig() mcpv2.ClientConfig {
	return mcpv2.ClientConfig{
		ClientID: "test-client",
		Transport: mcpv2.TransportConfig{
			Kind:     mcpv2.TransportHTTP,
			Endpoint: "http://localhost:8080",
			Timeout:  2 * time.Second,
		},
		EnableMetrics: true,
	}
}

func newTestClient(t *testing.T, transport mcpv2.Transport, cfg mcpv2.ClientConfig) *mcpv2.Client {
	t.Helper()
	cli, err := mcpv2.NewClient(cfg, transport)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = cli.Close()
	})
	return cli
}

func connectedTestClient(t *testing.T, transport mcpv2.Transport, cfg mcpv2.ClientConfig) *mcpv2.Client {
	t.Helper()
	cli := newTestClient(t, transport, cfg)
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cli
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSendRequest(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	req, err := mcpv2.NewRequest("tools/list", map[string]any{"cursor": "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := cli.SendRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ID != req.ID {
		t.Errorf("expected response id %s, got %s", req.ID, res.ID)
	}
	if !res.IsSuccess() {
		t.Errorf("expected successful response, got error %v", res.Error)
	}

	sent := tr.lastSent()
	if sent.Metadata["client_id"] != "test-client" {
		t.Errorf("expected client_id test-client in metadata, got %v", sent.Metadata["client_id"])
	}
	if sent.JSONRPC != mcpv2.JSONRPCVersion {
		t.Errorf("expected jsonrpc %s, got %s", mcpv2.JSONRPCVersion, sent.JSONRPC)
	}

	metrics := cli.Metrics()
	if metrics["requests_total"] != int64(1) {
		t.Errorf("expected 1 request, got %v", metrics["requests_total"])
	}
	if metrics["responses_total"] != int64(1) {
		t.Errorf("expected 1 response, got %v", metrics["responses_total"])
	}
	if metrics["errors_total"] != int64(0) {
		t.Errorf("expected 0 errors, got %v", metrics["errors_total"])
	}
	if metrics["pending_requests"] != 0 {
		t.Errorf("expected 0 pending requests, got %v", metrics["pending_requests"])
	}
}

func TestSend(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	res, err := cli.Send(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsSuccess() {
		t.Errorf("expected successful response, got error %v", res.Error)
	}
	if got := tr.lastSent().Method; got != "ping" {
		t.Errorf("expected method ping, got %s", got)
	}
}

func TestSendRequestAttachesContext(t *testing.T) {
	tr := newEchoTransport()
	cfg := testConfig()
	cfg.DefaultContext = &mcpv2.ContextInfo{SessionID: "session-1"}
	cli := connectedTestClient(t, tr, cfg)

	if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := tr.lastSent()
	if sent.Context == nil || sent.Context.SessionID != "session-1" {
		t.Errorf("expected default context session-1, got %+v", sent.Context)
	}

	req, err := mcpv2.NewRequest("ping", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Context = &mcpv2.ContextInfo{SessionID: "mine"}
	if _, err := cli.SendRequest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tr.lastSent().Context.SessionID; got != "mine" {
		t.Errorf("expected request context to win, got session %s", got)
	}
}

func TestSendRequestConcurrent(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	const requests = 25

	var wg sync.WaitGroup
	errs := make(chan error, requests)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := mcpv2.NewRequest("echo", map[string]any{"sequence": i})
			if err != nil {
				errs <- err
				return
			}
			res, err := cli.SendRequest(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			if res.ID != req.ID {
				errs <- fmt.Errorf("request %d: expected response id %s, got %s", i, req.ID, res.ID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	metrics := cli.Metrics()
	if metrics["requests_total"] != int64(requests) {
		t.Errorf("expected %d requests, got %v", requests, metrics["requests_total"])
	}
	if metrics["responses_total"] != int64(requests) {
		t.Errorf("expected %d responses, got %v", requests, metrics["responses_total"])
	}
	if metrics["pending_requests"] != 0 {
		t.Errorf("expected 0 pending requests, got %v", metrics["pending_requests"])
	}
}

func TestSendRequestNotConnected(t *testing.T) {
	cli := newTestClient(t, newEchoTransport(), testConfig())

	_, err := cli.Send(context.Background(), "ping", nil)
	if !errors.Is(err, mcpv2.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if metrics := cli.Metrics(); metrics["errors_total"] != int64(1) {
		t.Errorf("expected 1 error, got %v", metrics["errors_total"])
	}
}

func TestSendRequestTimeout(t *testing.T) {
	tr := &mockTransport{}
	cfg := testConfig()
	cfg.Transport.Timeout = 50 * time.Millisecond
	cli := connectedTestClient(t, tr, cfg)

	req, err := mcpv2.NewRequest("slow/op", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = cli.SendRequest(context.Background(), req)
	if !errors.Is(err, mcpv2.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	// A response arriving after the timeout is dropped, not delivered.
	tr.deliver(echoResponse(req))
	time.Sleep(20 * time.Millisecond)

	metrics := cli.Metrics()
	if metrics["responses_total"] != int64(0) {
		t.Errorf("expected late response to be dropped, got %v responses", metrics["responses_total"])
	}
	if metrics["pending_requests"] != 0 {
		t.Errorf("expected 0 pending requests, got %v", metrics["pending_requests"])
	}
}

func TestSendRequestContextCanceled(t *testing.T) {
	tr := &mockTransport{}
	cli := connectedTestClient(t, tr, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := cli.Send(ctx, "slow/op", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if metrics := cli.Metrics(); metrics["pending_requests"] != 0 {
		t.Errorf("expected 0 pending requests, got %v", metrics["pending_requests"])
	}
}

func TestSendRequestProtocolError(t *testing.T) {
	tr := &mockTransport{respond: func(req *mcpv2.Request) *mcpv2.Response {
		return &mcpv2.Response{
			ID:      req.ID,
			JSONRPC: mcpv2.JSONRPCVersion,
			Error: &mcpv2.Error{
				Code:    mcpv2.CodeMethodNotFound,
				Message: "no such method",
				Type:    "METHOD_NOT_FOUND",
			},
		}
	}}
	cli := connectedTestClient(t, tr, testConfig())

	res, err := cli.Send(context.Background(), "missing/method", nil)
	if res == nil {
		t.Fatal("expected response alongside the error")
	}
	var protoErr *mcpv2.Error
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *mcpv2.Error, got %v", err)
	}
	if protoErr.Code != mcpv2.CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", mcpv2.CodeMethodNotFound, protoErr.Code)
	}

	metrics := cli.Metrics()
	if metrics["responses_total"] != int64(1) {
		t.Errorf("expected 1 response, got %v", metrics["responses_total"])
	}
	if metrics["errors_total"] != int64(1) {
		t.Errorf("expected 1 error, got %v", metrics["errors_total"])
	}
}

func TestSendRequestDuplicateID(t *testing.T) {
	tr := &mockTransport{}
	cli := connectedTestClient(t, tr, testConfig())

	first := &mcpv2.Request{ID: "dup", Method: "slow/op"}
	done := make(chan error, 1)
	go func() {
		_, err := cli.SendRequest(context.Background(), first)
		done <- err
	}()

	waitFor(t, time.Second, func() bool {
		return cli.Metrics()["pending_requests"] == 1
	})

	second := &mcpv2.Request{ID: "dup", Method: "slow/op"}
	if _, err := cli.SendRequest(context.Background(), second); !errors.Is(err, mcpv2.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for duplicate id, got %v", err)
	}

	// The first request is still pending; resolving it delivers normally.
	tr.deliver(echoResponse(first))
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request never resolved")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	tr := &mockTransport{}
	cli := connectedTestClient(t, tr, testConfig())

	req, err := mcpv2.NewRequest("slow/op", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := cli.SendRequest(context.Background(), req)
		done <- err
	}()

	waitFor(t, time.Second, func() bool {
		return cli.Metrics()["pending_requests"] == 1
	})

	if err := cli.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, mcpv2.ErrClientClosed) {
			t.Errorf("expected ErrClientClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never resolved")
	}

	if err := cli.Close(); err != nil {
		t.Errorf("expected nil from second close, got %v", err)
	}
	if _, err := cli.Send(context.Background(), "ping", nil); !errors.Is(err, mcpv2.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
	if err := cli.Connect(context.Background()); !errors.Is(err, mcpv2.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestConnectError(t *testing.T) {
	tr := &mockTransport{connectErr: errors.New("dial failed")}
	cli := newTestClient(t, tr, testConfig())

	if err := cli.Connect(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
	if cli.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSendRequestTransportError(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())
	tr.sendErr = errors.New("wire broke")

	_, err := cli.Send(context.Background(), "tools/list", nil)
	if err == nil || !strings.Contains(err.Error(), "wire broke") {
		t.Fatalf("expected the send failure to surface, got %v", err)
	}

	metrics := cli.Metrics()
	// The pending entry must not leak after a failed send.
	if metrics["pending_requests"] != 0 {
		t.Errorf("expected no pending requests, got %v", metrics["pending_requests"])
	}
	// The transport's OnError accounts for the failure exactly once; the
	// client must not count the returned error a second time.
	if metrics["errors_total"] != int64(1) {
		t.Errorf("expected 1 error counted, got %v", metrics["errors_total"])
	}
}

func TestEvents(t *testing.T) {
	tr := newEchoTransport()
	cli := newTestClient(t, tr, testConfig())

	collected := make(chan mcpv2.Event, 32)
	go func() {
		for ev := range cli.Events() {
			collected <- ev
		}
		close(collected)
	}()

	ctx := context.Background()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cli.Send(ctx, "ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var types []mcpv2.EventType
	for ev := range collected {
		if ev.Source != "test-client" {
			t.Errorf("expected source test-client, got %s", ev.Source)
		}
		types = append(types, ev.Type)
	}

	idx := func(want mcpv2.EventType) int {
		for i, typ := range types {
			if typ == want {
				return i
			}
		}
		return -1
	}

	opened := idx(mcpv2.EventConnectionOpened)
	sent := idx(mcpv2.EventRequestSent)
	received := idx(mcpv2.EventResponseReceived)
	closed := idx(mcpv2.EventConnectionClosed)

	if opened == -1 || sent == -1 || received == -1 || closed == -1 {
		t.Fatalf("missing lifecycle events, got %v", types)
	}
	if !(opened < sent && sent < received && received < closed) {
		t.Errorf("unexpected event order: %v", types)
	}
}

func TestEventQueueOverflow(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	// Flood the queue with nothing consuming it. Each send enqueues two
	// events, so 70 sends overflow the 128-slot queue; overflow must be
	// dropped rather than blocking the send path.
	for i := 0; i < 70; i++ {
		if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	drained := 0
	for range cli.Events() {
		drained++
	}
	if drained != 128 {
		t.Errorf("expected the queue to retain 128 events, got %d", drained)
	}
}

func TestEventListeners(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	var lock sync.Mutex
	count := 0
	listener := func(mcpv2.Event) {
		lock.Lock()
		count++
		lock.Unlock()
	}

	cli.AddEventListener(mcpv2.EventResponseReceived, listener)
	for i := 0; i < 3; i++ {
		if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	lock.Lock()
	if count != 3 {
		t.Errorf("expected 3 listener calls, got %d", count)
	}
	lock.Unlock()

	cli.RemoveEventListener(mcpv2.EventResponseReceived, listener)
	if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lock.Lock()
	if count != 3 {
		t.Errorf("expected removed listener to stay at 3 calls, got %d", count)
	}
	lock.Unlock()
}

func TestEventListenerPanic(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	var lock sync.Mutex
	count := 0

	cli.AddEventListener(mcpv2.EventResponseReceived, func(mcpv2.Event) {
		panic("listener exploded")
	})
	cli.AddEventListener(mcpv2.EventResponseReceived, func(mcpv2.Event) {
		lock.Lock()
		count++
		lock.Unlock()
	})

	if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lock.Lock()
	defer lock.Unlock()
	if count != 1 {
		t.Errorf("expected panicking listener to be isolated, got %d calls", count)
	}
}

func TestUpdateContext(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	var lock sync.Mutex
	updates := 0
	cli.AddEventListener(mcpv2.EventContextUpdated, func(mcpv2.Event) {
		lock.Lock()
		updates++
		lock.Unlock()
	})

	cli.UpdateContext(&mcpv2.ContextInfo{
		SessionID:    "session-2",
		Capabilities: map[string]bool{"streaming": true},
	})

	got := cli.Context()
	if got.SessionID != "session-2" {
		t.Errorf("expected session session-2, got %s", got.SessionID)
	}

	// The returned context is a copy; mutations must not leak back.
	got.Capabilities["injected"] = true
	if cli.Context().Capabilities["injected"] {
		t.Error("expected context copy, mutation leaked into client state")
	}

	if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent := tr.lastSent(); sent.Context == nil || sent.Context.SessionID != "session-2" {
		t.Errorf("expected updated context on request, got %+v", sent.Context)
	}

	waitFor(t, time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return updates == 1
	})
}

func TestMetricsDisabled(t *testing.T) {
	tr := newEchoTransport()
	cfg := testConfig()
	cfg.EnableMetrics = false
	cli := connectedTestClient(t, tr, cfg)

	if _, err := cli.Send(context.Background(), "ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics := cli.Metrics(); len(metrics) != 0 {
		t.Errorf("expected empty metrics, got %v", metrics)
	}
}

func TestCollectMetrics(t *testing.T) {
	tr := newEchoTransport()
	cli := connectedTestClient(t, tr, testConfig())

	var lock sync.Mutex
	fired := 0
	cli.AddEventListener(mcpv2.EventMetricsCollected, func(mcpv2.Event) {
		lock.Lock()
		fired++
		lock.Unlock()
	})

	m := cli.CollectMetrics()
	if m["client_id"] != "test-client" {
		t.Errorf("expected client_id test-client, got %v", m["client_id"])
	}
	if m["connection_status"] != "connected" {
		t.Errorf("expected connected status, got %v", m["connection_status"])
	}

	lock.Lock()
	defer lock.Unlock()
	if fired != 1 {
		t.Errorf("expected 1 metrics event, got %d", fired)
	}
}
