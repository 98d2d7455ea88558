package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaynine/chatrelay/internal/availability"
	"github.com/relaynine/chatrelay/internal/balance"
	"github.com/relaynine/chatrelay/internal/block"
	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/events"
	"github.com/relaynine/chatrelay/internal/proxy"
	"github.com/relaynine/chatrelay/internal/selector"
	"github.com/relaynine/chatrelay/internal/store"
	"github.com/relaynine/chatrelay/internal/usagelog"
)

// noopProxyDispatcher models outbound-proxy mode disabled: Dispatch always
// reports Used: false, so the Engine falls through to its ordinary retry path.
type noopProxyDispatcher struct{}

func (noopProxyDispatcher) PinnedTransport(ctx context.Context) (http.RoundTripper, string, bool, error) {
	return nil, "", false, nil
}
func (noopProxyDispatcher) ClearPin(ctx context.Context) error { return nil }
func (noopProxyDispatcher) Dispatch(ctx context.Context, build proxy.RequestBuilder) (*proxy.DispatchResult, error) {
	return &proxy.DispatchResult{Used: false}, nil
}

// fakeFanoutDispatcher simulates a proxy fan-out that finds one working
// proxy, without any real socks5/utls dialing.
type fakeFanoutDispatcher struct {
	calls  int32
	status int
	body   string
}

func (f *fakeFanoutDispatcher) PinnedTransport(ctx context.Context) (http.RoundTripper, string, bool, error) {
	return nil, "", false, nil
}
func (f *fakeFanoutDispatcher) ClearPin(ctx context.Context) error { return nil }
func (f *fakeFanoutDispatcher) Dispatch(ctx context.Context, build proxy.RequestBuilder) (*proxy.DispatchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	resp := &http.Response{
		StatusCode: f.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}
	return &proxy.DispatchResult{Response: resp, ProxyID: "proxy-1", Used: true}, nil
}

type testHarness struct {
	engine  *Engine
	reg     *credential.Registry
	avail   *availability.Controller
	sel     *selector.Selector
	store   store.Store
	upcalls *int32
}

func newHarness(t *testing.T, upstream *httptest.Server, dispatcher proxyDispatcher, cfgOverride func(*config.Config)) *testHarness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := credential.NewRegistry(s, credential.NewCrypto(""))
	sel := selector.New(reg)
	bus := events.NewBus(50)
	avail := availability.NewController(reg, sel, bus)
	blocks := block.NewDetector(s)
	prober := balance.NewProber(upstream.URL, 2*time.Second)
	usage := usagelog.New(s)

	cfg := &config.Config{
		UpstreamBaseURL:       upstream.URL,
		MaxCredentialSwitches: 10,
		MaxAttemptsPerCred:    4,
		RetryBackoff:          10 * time.Millisecond,
		RetryPollInterval:     5 * time.Millisecond,
		UpstreamTimeout:       5 * time.Second,
	}
	if cfgOverride != nil {
		cfgOverride(cfg)
	}

	if dispatcher == nil {
		dispatcher = noopProxyDispatcher{}
	}
	eng := New(cfg, reg, sel, avail, dispatcher, http.DefaultTransport, blocks, prober, usage, bus)

	return &testHarness{engine: eng, reg: reg, avail: avail, sel: sel, store: s}
}

func addCredential(t *testing.T, reg *credential.Registry, secret string) *credential.Credential {
	t.Helper()
	c, err := reg.Add(context.Background(), secret, secret, "")
	if err != nil {
		t.Fatalf("add credential %s: %v", secret, err)
	}
	return c
}

func sufficientBalanceHandler(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path == "/user/info" {
		fmt.Fprint(w, `{"data":{"balance":"10"}}`)
		return true
	}
	return false
}

func TestForwardHappyPathNonStreaming(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sufficientBalanceHandler(w, r) {
			return
		}
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","created":123,"model":"m","choices":[{"finish_reason":"stop"}],"usage":{"total_tokens":5}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	cred := addCredential(t, h.reg, "sk-happy-path-0123456789")

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[],"stream":false}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}

	got, err := h.reg.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.CallCount != 1 || got.Status != credential.StatusActive {
		t.Fatalf("expected call count 1 and active status, got %+v", got)
	}
}

func TestForwardHappyPathStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sufficientBalanceHandler(w, r) {
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"finish_reason\":\"stop\"}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	addCredential(t, h.reg, "sk-stream-0123456789abcd")

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[],"stream":true}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "finish_reason") {
		t.Fatalf("expected streamed chunks in body, got %q", rec.Body.String())
	}
}

func TestForwardRotatesOnExhaustionThenSucceeds(t *testing.T) {
	var badCalls, goodCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sufficientBalanceHandler(w, r) {
			return
		}
		if r.Header.Get("Authorization") == "Bearer sk-bad-0123456789ab" {
			atomic.AddInt32(&badCalls, 1)
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
			return
		}
		atomic.AddInt32(&goodCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c2","created":1,"model":"m","choices":[{"finish_reason":"stop"}],"usage":{"total_tokens":1}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	bad := addCredential(t, h.reg, "sk-bad-0123456789ab")
	good := addCredential(t, h.reg, "sk-good-0123456789a")

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(&badCalls) != 4 {
		t.Fatalf("expected 4 attempts (R=3 retries) against the bad credential, got %d", badCalls)
	}
	if atomic.LoadInt32(&goodCalls) != 1 {
		t.Fatalf("expected exactly one call to the good credential, got %d", goodCalls)
	}

	// bad's balance is fine (sufficientBalanceHandler always reports 10), so
	// the Engine's one-shot rehabilitation probe after good's success
	// restores it — this is asserted in detail by
	// TestForwardRehabilitatesPreviouslyFailingCredentialOnNextSuccess.
	if _, err := h.reg.Get(context.Background(), bad.ID); err != nil {
		t.Fatalf("get bad credential: %v", err)
	}

	goodRow, err := h.reg.Get(context.Background(), good.ID)
	if err != nil {
		t.Fatalf("get good credential: %v", err)
	}
	if goodRow.CallCount != 1 {
		t.Fatalf("expected good credential call count 1, got %d", goodRow.CallCount)
	}
}

func TestForwardGlobalBlockShortCircuitsBeforeUpstream(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	addCredential(t, h.reg, "sk-blocked-0123456789")

	blocks := block.NewDetector(h.store)
	if _, err := blocks.Record(context.Background(), "prior soft-block"); err != nil {
		t.Fatalf("record block: %v", err)
	}

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[]}`))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ip_blocked") {
		t.Fatalf("expected ip_blocked payload, got %q", rec.Body.String())
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no upstream calls while blocked, got %d", calls)
	}
}

func TestForwardDetectsSoftBlockAndStopsImmediately(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"upstream busy, try later"}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	addCredential(t, h.reg, "sk-soft-block-01234567")
	addCredential(t, h.reg, "sk-soft-block-89abcdef")

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[]}`))

	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "ip_blocked") {
		t.Fatalf("expected ip_blocked 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one upstream call before the block short-circuits, got %d", calls)
	}

	active, err := block.NewDetector(h.store).Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active == nil {
		t.Fatalf("expected an active block to have been recorded")
	}
}

func TestForwardClientDisconnectDuringStreamRecordsNoUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sufficientBalanceHandler(w, r) {
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"id\":\"c3\"}\n\n")
		flusher.Flush()
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "data: {\"id\":\"c3\",\"choices\":[{\"finish_reason\":\"stop\"}]}\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	cred := addCredential(t, h.reg, "sk-disconnect-0123456")

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.engine.Forward(ctx, rec, []byte(`{"model":"m","messages":[],"stream":true}`))
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Forward did not return after client disconnect")
	}

	entries, err := usagelog.New(h.store).Recent(context.Background(), cred.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no usage entry for an in-flight-at-disconnect attempt, got %+v", entries)
	}
}

func TestForwardProxyFanoutOnFirstAttemptNetworkFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sufficientBalanceHandler(w, r) {
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"network trouble"}}`)
	}))
	defer upstream.Close()

	fanout := &fakeFanoutDispatcher{
		status: http.StatusOK,
		body:   `{"id":"c4","created":1,"model":"m","choices":[{"finish_reason":"stop"}],"usage":{"total_tokens":2}}`,
	}
	h := newHarness(t, upstream, fanout, nil)
	cred := addCredential(t, h.reg, "sk-fanout-01234567890")

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via fan-out, got %d: %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(&fanout.calls) != 1 {
		t.Fatalf("expected exactly one fan-out dispatch, got %d", fanout.calls)
	}

	got, err := h.reg.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.CallCount != 1 || got.Status != credential.StatusActive {
		t.Fatalf("expected credential restored to active via fan-out success, got %+v", got)
	}
}

func TestForwardRehabilitatesPreviouslyFailingCredentialOnNextSuccess(t *testing.T) {
	var badCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user/info" {
			fmt.Fprint(w, `{"data":{"balance":"5"}}`)
			return
		}
		if r.Header.Get("Authorization") == "Bearer sk-rehab-bad-0123456" {
			atomic.AddInt32(&badCalls, 1)
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c5","created":1,"model":"m","choices":[{"finish_reason":"stop"}],"usage":{"total_tokens":1}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, nil, nil)
	bad := addCredential(t, h.reg, "sk-rehab-bad-0123456")
	addCredential(t, h.reg, "sk-rehab-good-012345")

	rec := httptest.NewRecorder()
	h.engine.Forward(context.Background(), rec, []byte(`{"model":"m","messages":[]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", rec.Code)
	}

	badRow, err := h.reg.Get(context.Background(), bad.ID)
	if err != nil {
		t.Fatalf("get bad credential: %v", err)
	}
	if badRow.Status != credential.StatusActive || !badRow.Availability {
		t.Fatalf("expected bad credential restored by rehabilitation probe (balance=5 >= 1.0), got %+v", badRow)
	}
}
