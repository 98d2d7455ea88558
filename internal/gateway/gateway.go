// Package gateway is the Client Gateway: the public HTTP surface that
// accepts an OpenAI-compatible chat-completion request, enforces the body
// size ceiling and optional bearer auth, and hands the request straight to
// the Request Engine (§4.8).
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaynine/chatrelay/internal/block"
	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/store"
)

// Engine is the subset of *engine.Engine the Gateway depends on, narrowed the
// same way internal/engine narrows its own proxy dependency, so gateway
// tests can substitute a fake without wiring a full Engine stack.
type Engine interface {
	Forward(ctx context.Context, w http.ResponseWriter, body []byte)
}

// Gateway wires the public routes onto an Engine.
type Gateway struct {
	cfg    *config.Config
	engine Engine
	store  store.Store
	blocks *block.Detector
}

func New(cfg *config.Config, engine Engine, s store.Store, blocks *block.Detector) *Gateway {
	return &Gateway{cfg: cfg, engine: engine, store: s, blocks: blocks}
}

// Routes registers the Gateway's handlers on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/proxy/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /api/proxy/health", g.handleHealth)
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if g.cfg.AuthEnabled() && !authorized(r, g.cfg.AdminPassword) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(g.cfg.MaxRequestBodyMB)<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds the configured limit", nil)
			return
		}
		if isClientAbort(err) {
			// The client hung up mid-upload. Nothing reached the engine and
			// nothing was logged as an upstream failure; answer a bare 400
			// with no body and no log line.
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "failed to read request body", nil)
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON", nil)
		return
	}

	g.engine.Forward(r.Context(), w, body)

	// r.Context() is cancelled by net/http the instant the underlying
	// connection closes, so it already is the client_disconnected signal —
	// no separate listener registration is needed. Checking it once here,
	// synchronously after Forward returns, means a disconnect is logged
	// exactly once and never after a normal completion.
	if r.Context().Err() != nil {
		slog.Debug("client disconnected", "path", r.URL.Path)
	}
}

// handleHealth reports store reachability and the current upstream-block
// state (§6): {status, ip_blocked, block_info}.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "store unavailable", nil)
		return
	}

	resp := map[string]any{"status": "ok", "ip_blocked": false, "block_info": nil}
	if info, err := g.blocks.Active(r.Context()); err != nil {
		slog.Error("gateway: check active block", "error", err)
	} else if info != nil {
		resp["ip_blocked"] = true
		resp["block_info"] = map[string]any{
			"blocked_at":        info.BlockedAt,
			"unblock_at":        info.UnblockAt,
			"reason":            info.Reason,
			"remaining_minutes": info.RemainingMinutes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func authorized(r *http.Request, adminPassword string) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(adminPassword)) == 1
}

func isClientAbort(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

// writeError renders the §6 client-facing error envelope
// {error:{message,type,reason?,unblock_at?,remaining_minutes?}}, grounded on
// the teacher's relay.buildErrorJSON. This is the Gateway's own copy of the
// helper; internal/engine renders the same shape independently rather than
// sharing one, matching the teacher's relay.writeError/auth.writeError split.
func writeError(w http.ResponseWriter, status int, errType, message string, extra map[string]any) {
	errObj := map[string]any{
		"type":    errType,
		"message": message,
	}
	for k, v := range extra {
		errObj[k] = v
	}
	writeJSON(w, status, map[string]any{"error": errObj})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
