// Package admin is the thin external-collaborator HTTP surface over the
// Credential Registry and the Outbound-Proxy Registry (§6): list/get/add/
// delete credentials, set_availability, set_status, list_proxies,
// set_proxy_enabled, verify_proxy. It holds no policy of its own — every
// handler is a parse-path-param-then-call-one-core-operation shim, grounded
// on `_teacher_reference/server/admin_accounts.go` and `admin.go`'s handler
// shape.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/proxy"
)

// Refresher lets the admin surface tell the Key Selector a mutation may have
// changed the available set, same as internal/availability's Refresher.
type Refresher interface {
	Refresh()
}

// Admin wires the admin HTTP surface onto the Credential and Proxy Registries.
type Admin struct {
	cfg         *config.Config
	credentials *credential.Registry
	proxies     *proxy.Registry
	pool        *proxy.TransportPool
	refresher   Refresher
}

func New(cfg *config.Config, credentials *credential.Registry, proxies *proxy.Registry, pool *proxy.TransportPool, refresher Refresher) *Admin {
	return &Admin{cfg: cfg, credentials: credentials, proxies: proxies, pool: pool, refresher: refresher}
}

// Routes registers the admin handlers on mux, each gated by the shared
// bearer-token check when auth is enabled.
func (a *Admin) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/credentials", a.requireAuth(a.handleListCredentials))
	mux.HandleFunc("POST /api/admin/credentials", a.requireAuth(a.handleAddCredential))
	mux.HandleFunc("GET /api/admin/credentials/{id}", a.requireAuth(a.handleGetCredential))
	mux.HandleFunc("DELETE /api/admin/credentials/{id}", a.requireAuth(a.handleDeleteCredential))
	mux.HandleFunc("POST /api/admin/credentials/{id}/availability", a.requireAuth(a.handleSetAvailability))
	mux.HandleFunc("POST /api/admin/credentials/{id}/status", a.requireAuth(a.handleSetStatus))

	mux.HandleFunc("GET /api/admin/proxies", a.requireAuth(a.handleListProxies))
	mux.HandleFunc("POST /api/admin/proxies/mode", a.requireAuth(a.handleSetProxyEnabled))
	mux.HandleFunc("POST /api/admin/proxies/{id}/verify", a.requireAuth(a.handleVerifyProxy))
}

func (a *Admin) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AuthEnabled() {
			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, prefix)
			if !strings.HasPrefix(header, prefix) || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AdminPassword)) != 1 {
				writeAdminError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid credentials")
				return
			}
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Credentials (§4.1)
// ---------------------------------------------------------------------------

type credentialView struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Secret       string  `json:"secret"`
	Status       string  `json:"status"`
	Availability bool    `json:"availability"`
	BalanceKnown bool    `json:"balance_known"`
	Balance      float64 `json:"balance"`
	CallCount    int64   `json:"call_count"`
	ErrorCount   int     `json:"error_count"`
	LastError    string  `json:"last_error,omitempty"`
	Notes        string  `json:"notes,omitempty"`
}

func toView(c *credential.Credential) credentialView {
	return credentialView{
		ID:           c.ID,
		Name:         c.Name,
		Secret:       c.Secret,
		Status:       c.Status,
		Availability: c.Availability,
		BalanceKnown: c.BalanceKnown,
		Balance:      c.Balance,
		CallCount:    c.CallCount,
		ErrorCount:   c.ErrorCount,
		LastError:    c.LastError,
		Notes:        c.Notes,
	}
}

func (a *Admin) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := a.credentials.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list credentials")
		return
	}
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, toView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *Admin) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cred, err := a.credentials.Get(r.Context(), id)
	if err != nil {
		a.writeCredentialLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(cred))
}

func (a *Admin) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
		Name   string `json:"name"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "secret is required")
		return
	}

	cred, err := a.credentials.Add(r.Context(), req.Secret, req.Name, req.Notes)
	if err != nil {
		if errors.Is(err, credential.ErrConflict) {
			writeAdminError(w, http.StatusConflict, "conflict", "secret already registered")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to add credential")
		return
	}

	slog.Info("credential added", "id", cred.ID)
	a.refresher.Refresh()
	writeJSON(w, http.StatusOK, toView(cred))
}

func (a *Admin) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.credentials.Get(r.Context(), id); err != nil {
		a.writeCredentialLookupError(w, err)
		return
	}
	if err := a.credentials.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete credential")
		return
	}
	slog.Info("credential deleted", "id", id)
	a.refresher.Refresh()
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (a *Admin) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if _, err := a.credentials.Get(r.Context(), id); err != nil {
		a.writeCredentialLookupError(w, err)
		return
	}
	if err := a.credentials.SetAvailability(r.Context(), id, req.Available); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to set availability")
		return
	}
	slog.Info("credential availability set", "id", id, "available", req.Available)
	a.refresher.Refresh()
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "availability": req.Available})
}

func (a *Admin) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	switch req.Status {
	case credential.StatusActive, credential.StatusInsufficient, credential.StatusError:
	default:
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "status must be active, insufficient, or error")
		return
	}
	if _, err := a.credentials.Get(r.Context(), id); err != nil {
		a.writeCredentialLookupError(w, err)
		return
	}
	if err := a.credentials.SetStatus(r.Context(), id, req.Status, req.Error); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to set status")
		return
	}
	slog.Info("credential status set", "id", id, "status", req.Status)
	a.refresher.Refresh()
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func (a *Admin) writeCredentialLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, credential.ErrNotFound) {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to look up credential")
}

// ---------------------------------------------------------------------------
// Outbound proxies (§4.5)
// ---------------------------------------------------------------------------

type proxyView struct {
	ID             string `json:"id"`
	Scheme         string `json:"scheme"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	OrderIndex     int    `json:"order_index"`
	LastVerifiedOK bool   `json:"last_verified_ok"`
	LastIP         string `json:"last_ip,omitempty"`
	LastLocation   string `json:"last_location,omitempty"`
	LastLatencyMs  int    `json:"last_latency_ms,omitempty"`
}

func toProxyView(p *proxy.OutboundProxy) proxyView {
	return proxyView{
		ID:             p.ID,
		Scheme:         p.Scheme,
		Host:           p.Host,
		Port:           p.Port,
		OrderIndex:     p.OrderIndex,
		LastVerifiedOK: p.LastVerifiedOK,
		LastIP:         p.LastIP,
		LastLocation:   p.LastLocation,
		LastLatencyMs:  p.LastLatencyMs,
	}
}

func (a *Admin) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := a.proxies.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list proxies")
		return
	}
	enabled, err := a.proxies.ModeEnabled(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to read proxy mode")
		return
	}
	views := make([]proxyView, 0, len(proxies))
	for _, p := range proxies {
		views = append(views, toProxyView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": enabled, "proxies": views})
}

func (a *Admin) handleSetProxyEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := a.proxies.SetModeEnabled(r.Context(), req.Enabled); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to set proxy mode")
		return
	}
	slog.Info("outbound proxy mode set", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (a *Admin) handleVerifyProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, err := a.proxies.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, proxy.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "not_found", "proxy not found")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to look up proxy")
		return
	}

	// Verify records the outcome on the proxy row and returns it regardless
	// of whether the probe itself succeeded; a failed probe is a normal
	// result (ok=false), not a server error, so the error return here is
	// only informational (propagated into the response, never a 500).
	result, verifyErr := a.proxies.Verify(r.Context(), op, a.pool, a.cfg.ProxyVerifyPrimary, a.cfg.ProxyVerifyFallback)
	resp := map[string]interface{}{
		"id":         id,
		"ok":         result.OK,
		"ip":         result.IP,
		"location":   result.Location,
		"latency_ms": result.LatencyMs,
	}
	if verifyErr != nil && !result.OK {
		resp["error"] = verifyErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Response helpers — same shapes as _teacher_reference/server/admin.go
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":%q}}`, errType, msg)
}
