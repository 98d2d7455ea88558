package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/proxy"
	"github.com/relaynine/chatrelay/internal/store"
)

type noopRefresher struct{ calls int }

func (r *noopRefresher) Refresh() { r.calls++ }

func newTestAdmin(t *testing.T, cfg *config.Config) (*Admin, *credential.Registry, *proxy.Registry, *noopRefresher) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	crypto := credential.NewCrypto("")
	reg := credential.NewRegistry(s, crypto)
	proxies := proxy.NewRegistry(s)
	pool := proxy.NewTransportPool()
	t.Cleanup(pool.Close)
	ref := &noopRefresher{}

	return New(cfg, reg, proxies, pool, ref), reg, proxies, ref
}

func baseConfig() *config.Config {
	cfg := config.Load()
	return cfg
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCredentialLifecycle(t *testing.T) {
	a, _, _, ref := newTestAdmin(t, baseConfig())
	mux := http.NewServeMux()
	a.Routes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/admin/credentials", map[string]string{
		"secret": "sk-abcdefghijklmnopqrstuvwxyz",
		"name":   "first",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("add status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created credentialView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected non-empty id")
	}
	if created.Secret == "sk-abcdefghijklmnopqrstuvwxyz" {
		t.Fatalf("secret should be masked in the response, got %q", created.Secret)
	}

	// Duplicate secret is rejected with 409.
	rec = doJSON(t, mux, http.MethodPost, "/api/admin/credentials", map[string]string{
		"secret": "sk-abcdefghijklmnopqrstuvwxyz",
	}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/admin/credentials", nil, "")
	var list []credentialView
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/admin/credentials/"+created.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/admin/credentials/"+created.ID+"/availability", map[string]bool{"available": false}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("set availability status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/admin/credentials/"+created.ID+"/status", map[string]string{"status": "error", "error": "boom"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("set status status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodDelete, "/api/admin/credentials/"+created.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/admin/credentials/"+created.ID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}

	if ref.calls == 0 {
		t.Fatalf("expected the selector refresher to be notified on mutation")
	}
}

func TestCredentialAuthEnforced(t *testing.T) {
	cfg := baseConfig()
	cfg.AdminPassword = "topsecret"
	a, _, _, _ := newTestAdmin(t, cfg)
	mux := http.NewServeMux()
	a.Routes(mux)

	rec := doJSON(t, mux, http.MethodGet, "/api/admin/credentials", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/admin/credentials", nil, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/admin/credentials", nil, "topsecret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status with correct token = %d, want 200", rec.Code)
	}
}

func TestProxyListAndModeToggle(t *testing.T) {
	a, _, proxies, _ := newTestAdmin(t, baseConfig())
	mux := http.NewServeMux()
	a.Routes(mux)

	if _, err := proxies.Add(context.Background(), "socks5", "proxy.example", 1080, "", "", 0); err != nil {
		t.Fatalf("seed proxy: %v", err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/admin/proxies", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list proxies status = %d", rec.Code)
	}
	var resp struct {
		Enabled bool        `json:"enabled"`
		Proxies []proxyView `json:"proxies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode proxies: %v", err)
	}
	if len(resp.Proxies) != 1 {
		t.Fatalf("proxies length = %d, want 1", len(resp.Proxies))
	}
	if resp.Enabled {
		t.Fatalf("proxy mode should default to disabled")
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/admin/proxies/mode", map[string]bool{"enabled": true}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode status = %d", rec.Code)
	}

	enabled, err := proxies.ModeEnabled(context.Background())
	if err != nil {
		t.Fatalf("read mode: %v", err)
	}
	if !enabled {
		t.Fatalf("proxy mode should now be enabled")
	}
}

func TestVerifyProxyUnknownID(t *testing.T) {
	a, _, _, _ := newTestAdmin(t, baseConfig())
	mux := http.NewServeMux()
	a.Routes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/admin/proxies/does-not-exist/verify", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("verify unknown proxy status = %d, want 404", rec.Code)
	}
}
