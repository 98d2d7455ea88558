package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/relaynine/chatrelay/internal/block"
	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/store"
)

// fakeEngine records the body it was handed and writes a canned response,
// standing in for a real engine.Engine so gateway tests never touch the
// credential/proxy/upstream stack.
type fakeEngine struct {
	calls    int32
	lastBody []byte
	status   int
}

func (f *fakeEngine) Forward(ctx context.Context, w http.ResponseWriter, body []byte) {
	atomic.AddInt32(&f.calls, 1)
	f.lastBody = body
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"id":"chatcmpl-1"}`))
}

func newTestGateway(t *testing.T, cfg *config.Config, eng *fakeEngine) (*Gateway, store.Store, *block.Detector) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	blocks := block.NewDetector(s)
	return New(cfg, eng, s, blocks), s, blocks
}

func baseConfig() *config.Config {
	cfg := config.Load()
	cfg.MaxRequestBodyMB = 1
	return cfg
}

func TestHandleChatCompletionsHappyPath(t *testing.T) {
	eng := &fakeEngine{}
	gw, _, _ := newTestGateway(t, baseConfig(), eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if atomic.LoadInt32(&eng.calls) != 1 {
		t.Fatalf("engine called %d times, want 1", eng.calls)
	}
	if string(eng.lastBody) != body {
		t.Fatalf("body forwarded = %q, want %q", eng.lastBody, body)
	}
}

func TestHandleChatCompletionsRejectsOversizedBody(t *testing.T) {
	eng := &fakeEngine{}
	cfg := baseConfig()
	cfg.MaxRequestBodyMB = 1
	gw, _, _ := newTestGateway(t, cfg, eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	big := bytes.Repeat([]byte("a"), (cfg.MaxRequestBodyMB<<20)+1)
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if atomic.LoadInt32(&eng.calls) != 0 {
		t.Fatalf("engine should not be called for an oversized body")
	}
}

func TestHandleChatCompletionsRejectsMalformedJSON(t *testing.T) {
	eng := &fakeEngine{}
	gw, _, _ := newTestGateway(t, baseConfig(), eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if atomic.LoadInt32(&eng.calls) != 0 {
		t.Fatalf("engine should not be called for malformed JSON")
	}
}

func TestHandleChatCompletionsRequiresAuthWhenEnabled(t *testing.T) {
	eng := &fakeEngine{}
	cfg := baseConfig()
	cfg.AdminPassword = "s3cret"
	gw, _, _ := newTestGateway(t, cfg, eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	body := `{"model":"gpt-4","messages":[]}`

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("correct token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	if atomic.LoadInt32(&eng.calls) != 1 {
		t.Fatalf("engine called %d times, want 1 (only the authorized request)", eng.calls)
	}
}

func TestHandleChatCompletionsAuthDisabledByDefault(t *testing.T) {
	eng := &fakeEngine{}
	cfg := baseConfig()
	cfg.AdminPassword = ""
	gw, _, _ := newTestGateway(t, cfg, eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestHandleHealthReportsStoreState(t *testing.T) {
	eng := &fakeEngine{}
	gw, s, _ := newTestGateway(t, baseConfig(), eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status    string `json:"status"`
		IPBlocked bool   `json:"ip_blocked"`
		BlockInfo any    `json:"block_info"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status field = %q, want ok", resp.Status)
	}
	if resp.IPBlocked {
		t.Fatalf("ip_blocked = true, want false with no active block")
	}
	if resp.BlockInfo != nil {
		t.Fatalf("block_info = %v, want nil with no active block", resp.BlockInfo)
	}

	_ = s.Close()
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/proxy/health", nil))
	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after close = %d, want 503", rec2.Code)
	}
}

func TestHandleHealthReportsActiveBlock(t *testing.T) {
	eng := &fakeEngine{}
	gw, _, blocks := newTestGateway(t, baseConfig(), eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	if _, err := blocks.Record(context.Background(), "soft-block signal from upstream"); err != nil {
		t.Fatalf("record block: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status    string         `json:"status"`
		IPBlocked bool           `json:"ip_blocked"`
		BlockInfo map[string]any `json:"block_info"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IPBlocked {
		t.Fatalf("ip_blocked = false, want true with an active block")
	}
	if resp.BlockInfo == nil {
		t.Fatalf("block_info = nil, want populated with an active block")
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	eng := &fakeEngine{}
	cfg := baseConfig()
	cfg.AdminPassword = "s3cret"
	gw, _, _ := newTestGateway(t, cfg, eng)
	mux := http.NewServeMux()
	gw.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.Error.Type != "unauthorized" {
		t.Fatalf("error.type = %q, want unauthorized", resp.Error.Type)
	}
	if resp.Error.Message == "" {
		t.Fatalf("error.message should not be empty")
	}
}
