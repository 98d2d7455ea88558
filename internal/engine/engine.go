// Package engine is the Request Engine: the hot core that selects a
// credential, dispatches to upstream (direct or via a pinned/fanned-out
// proxy), retries and rotates on failure, and streams the result back to
// the client. Grounded on relay.Relay.Handle's overall shape (one method,
// an explicit bounded attempt loop, lastErr tracking) generalized from its
// account-exclusion-list approach to the Key Selector owning cursor state
// itself (§4.4).
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaynine/chatrelay/internal/availability"
	"github.com/relaynine/chatrelay/internal/balance"
	"github.com/relaynine/chatrelay/internal/block"
	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/events"
	"github.com/relaynine/chatrelay/internal/proxy"
	"github.com/relaynine/chatrelay/internal/selector"
	"github.com/relaynine/chatrelay/internal/usagelog"
)

// proxyDispatcher is the subset of *proxy.Selector the Engine needs, narrowed
// to an interface so tests can substitute a fake without real socks5/utls
// dialing — the same pattern proxy.Selector itself uses for its dialerPool.
type proxyDispatcher interface {
	PinnedTransport(ctx context.Context) (http.RoundTripper, string, bool, error)
	ClearPin(ctx context.Context) error
	Dispatch(ctx context.Context, build proxy.RequestBuilder) (*proxy.DispatchResult, error)
}

// Engine wires every other module together behind forward(client_request).
type Engine struct {
	cfg          *config.Config
	credentials  *credential.Registry
	keySelector  *selector.Selector
	availability *availability.Controller
	proxySel     proxyDispatcher
	directRT     http.RoundTripper
	blocks       *block.Detector
	prober       *balance.Prober
	usage        *usagelog.Log
	bus          *events.Bus
}

func New(
	cfg *config.Config,
	credentials *credential.Registry,
	keySelector *selector.Selector,
	avail *availability.Controller,
	proxySel proxyDispatcher,
	directRT http.RoundTripper,
	blocks *block.Detector,
	prober *balance.Prober,
	usage *usagelog.Log,
	bus *events.Bus,
) *Engine {
	return &Engine{
		cfg:          cfg,
		credentials:  credentials,
		keySelector:  keySelector,
		availability: avail,
		proxySel:     proxySel,
		directRT:     directRT,
		blocks:       blocks,
		prober:       prober,
		usage:        usage,
		bus:          bus,
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeSoftBlock
	outcomeDisconnected
	outcomeExhausted
)

type attemptOutcome struct {
	kind    outcomeKind
	lastErr string
}

// Forward is the Engine's public contract: forward(client_request). It
// writes the response (streamed or JSON) directly to w, mirroring
// relay.Relay.Handle's void signature — every exit path ends in a write to w
// or a silent return on client disconnect.
func (e *Engine) Forward(ctx context.Context, w http.ResponseWriter, body []byte) {
	if blk, err := e.blocks.Active(ctx); err != nil {
		slog.Error("engine: check active block", "error", err)
	} else if blk != nil {
		writeJSON(w, http.StatusServiceUnavailable, blockedPayload(blk.UnblockAt.Format(time.RFC3339), blk.RemainingMinutes))
		return
	}
	if ctx.Err() != nil {
		return
	}

	var parsed map[string]any
	_ = json.Unmarshal(body, &parsed)
	streamRequested, _ := parsed["stream"].(bool)

	cred, err := e.keySelector.Current(ctx)
	if err != nil {
		slog.Error("engine: select credential", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, serviceUnavailablePayload("credential selection failed"))
		return
	}
	if cred == nil {
		writeJSON(w, http.StatusServiceUnavailable, serviceUnavailablePayload("no usable credentials"))
		return
	}

	lastErr := "no usable credentials"
	rehabID := ""

	for switches := 0; switches < e.cfg.MaxCredentialSwitches; switches++ {
		if ctx.Err() != nil {
			return
		}

		result := e.runCredential(ctx, w, cred, body, streamRequested)
		switch result.kind {
		case outcomeSuccess:
			if rehabID != "" {
				e.rehabilitate(ctx, rehabID)
			}
			return
		case outcomeSoftBlock, outcomeDisconnected:
			return
		case outcomeExhausted:
			lastErr = result.lastErr
			rehabID = cred.ID

			e.keySelector.Refresh()
			next, err := e.keySelector.Advance(ctx)
			if err != nil {
				slog.Error("engine: advance credential", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, serviceUnavailablePayload(lastErr))
				return
			}
			if next == nil {
				writeJSON(w, http.StatusServiceUnavailable, serviceUnavailablePayload(lastErr))
				return
			}
			cred = next
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, serviceUnavailablePayload(lastErr))
}

// runCredential drives up to MaxAttemptsPerCred attempts against one
// credential, implementing §4.7's per-attempt outcome handling.
func (e *Engine) runCredential(ctx context.Context, w http.ResponseWriter, cred *credential.Credential, body []byte, streamRequested bool) attemptOutcome {
	secret, err := e.credentials.GetSecret(ctx, cred.ID)
	if err != nil {
		return attemptOutcome{kind: outcomeExhausted, lastErr: "secret unavailable: " + err.Error()}
	}

	lastErr := ""

	for attempt := 0; attempt < e.cfg.MaxAttemptsPerCred; attempt++ {
		if ctx.Err() != nil {
			return attemptOutcome{kind: outcomeDisconnected}
		}

		resp, _, dispatchErr := e.dispatchAttempt(ctx, secret, body)
		if ctx.Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return attemptOutcome{kind: outcomeDisconnected}
		}

		if dispatchErr == nil && resp.StatusCode < 400 {
			e.finishSuccess(ctx, w, cred, resp, streamRequested)
			return attemptOutcome{kind: outcomeSuccess}
		}

		statusCode := 0
		var respBody []byte
		softBlocked := false
		if dispatchErr == nil {
			statusCode = resp.StatusCode
			respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			var parsedBody any
			_ = json.Unmarshal(respBody, &parsedBody)
			softBlocked = block.Classify(parsedBody, respBody)
		}

		if softBlocked {
			info, err := e.blocks.Record(ctx, "soft-block signal from upstream")
			if err != nil {
				slog.Error("engine: record block", "error", err)
			}
			unblockAt, remaining := "", 0
			if info != nil {
				unblockAt = info.UnblockAt.Format(time.RFC3339)
				remaining = info.RemainingMinutes
			}
			writeJSON(w, http.StatusServiceUnavailable, blockedPayload(unblockAt, remaining))
			return attemptOutcome{kind: outcomeSoftBlock}
		}

		errText := "no response"
		if dispatchErr != nil {
			errText = dispatchErr.Error()
		} else {
			errText = sanitizeErrorDetail(statusCode, respBody)
		}
		if err := e.usage.Append(ctx, cred.ID, false, errText); err != nil {
			slog.Error("engine: append usage entry", "error", err)
		}
		if err := e.availability.OnFailure(ctx, cred.ID, errText); err != nil {
			slog.Error("engine: mark failure", "error", err)
		}
		lastErr = errText

		if ctx.Err() != nil {
			return attemptOutcome{kind: outcomeDisconnected}
		}

		if attempt == 0 && networkTrouble(statusCode, dispatchErr != nil) {
			fanoutResult, ferr := e.proxySel.Dispatch(ctx, e.buildRequest(secret, body))
			if ferr != nil && ferr != proxy.ErrAllFailed {
				slog.Error("engine: proxy fan-out", "error", ferr)
			}
			if ferr == nil && fanoutResult.Used {
				e.bus.Publish(events.Event{Type: events.EventProxyPinned, ProxyID: fanoutResult.ProxyID, CredentialID: cred.ID, Message: "pinned after proxy fan-out success"})
				e.finishSuccess(ctx, w, cred, fanoutResult.Response, streamRequested)
				return attemptOutcome{kind: outcomeSuccess}
			}
		}

		if ctx.Err() != nil {
			return attemptOutcome{kind: outcomeDisconnected}
		}

		probeResult, _ := e.prober.Probe(ctx, secret)
		if probeResult.BalanceKnown {
			if err := e.availability.OnBalanceProbe(ctx, cred.ID, probeResult.Balance); err != nil {
				slog.Error("engine: record balance probe", "error", err)
			}
			if probeResult.Balance < 1.0 {
				return attemptOutcome{kind: outcomeExhausted, lastErr: lastErr}
			}
		}

		if attempt+1 >= e.cfg.MaxAttemptsPerCred {
			return attemptOutcome{kind: outcomeExhausted, lastErr: lastErr}
		}
		if e.waitWithCancellation(ctx, e.cfg.RetryBackoff) {
			return attemptOutcome{kind: outcomeDisconnected}
		}
	}

	return attemptOutcome{kind: outcomeExhausted, lastErr: lastErr}
}

// dispatchAttempt sends one upstream request via the current pin if valid,
// else direct. A transport failure through a pin clears the pin, matching
// proxy.Selector.Dispatch's own failure-clears-pin behavior.
func (e *Engine) dispatchAttempt(ctx context.Context, secret string, body []byte) (*http.Response, string, error) {
	build := e.buildRequest(secret, body)

	rt, proxyID, pinned, err := e.proxySel.PinnedTransport(ctx)
	if err != nil {
		return nil, "", err
	}
	if pinned {
		req, err := build(ctx)
		if err != nil {
			return nil, proxyID, err
		}
		client := &http.Client{Transport: rt, Timeout: e.cfg.UpstreamTimeout}
		resp, err := client.Do(req)
		if err != nil {
			_ = e.proxySel.ClearPin(ctx)
			return nil, proxyID, err
		}
		return resp, proxyID, nil
	}

	req, err := build(ctx)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{Transport: e.directRT, Timeout: e.cfg.UpstreamTimeout}
	resp, err := client.Do(req)
	return resp, "", err
}

func (e *Engine) buildRequest(secret string, body []byte) proxy.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.UpstreamBaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+secret)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

// finishSuccess records the success and writes the upstream response to the
// client, streaming or whole-body depending on the request's stream field.
func (e *Engine) finishSuccess(ctx context.Context, w http.ResponseWriter, cred *credential.Credential, resp *http.Response, streamRequested bool) {
	if err := e.credentials.IncrementCalls(ctx, cred.ID); err != nil {
		slog.Error("engine: increment calls", "error", err)
	}
	if err := e.availability.OnSuccess(ctx, cred.ID); err != nil {
		slog.Error("engine: mark success", "error", err)
	}
	if n := e.cfg.AutoQueryBalanceAfterCalls; n > 0 {
		// cred is the Key Selector's cached snapshot, whose CallCount is not
		// refreshed by IncrementCalls; read the committed count instead.
		if fresh, err := e.credentials.Get(ctx, cred.ID); err == nil && fresh.CallCount%int64(n) == 0 {
			go e.backgroundBalanceRefresh(cred.ID)
		}
	}

	if streamRequested {
		e.streamResponse(ctx, w, resp, cred.ID)
		return
	}
	e.jsonResponse(ctx, w, resp, cred.ID)
}

// streamResponse pipes the upstream SSE body to the client line by line,
// grounded on relay.Relay.streamResponse/relay.SSEScanner. Unlike the
// teacher it folds each chunk into a usage Summary as it passes through.
func (e *Engine) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, credID string) {
	defer resp.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, writeError("internal_error", "streaming not supported", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	acc := &chunkAccumulator{}
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.TrimSpace(data) != "[DONE]" {
			acc.observe([]byte(data))
		}
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()

	// A network read error from the upstream connection closing because the
	// client context was cancelled looks the same as a clean EOF to the
	// scanner; check ctx.Err() directly rather than trust how the loop exited.
	if ctx.Err() != nil {
		return
	}

	detail, err := json.Marshal(acc.summary)
	if err != nil {
		detail = []byte("{}")
	}
	if err := e.usage.Append(ctx, credID, true, string(detail)); err != nil {
		slog.Error("engine: append usage entry", "error", err)
	}
}

func (e *Engine) jsonResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, credID string) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, writeError("gateway_timeout", "failed to read upstream response", nil))
		return
	}
	if ctx.Err() != nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	detail := "{}"
	if summary := parseJSONSummary(body); summary != nil {
		if b, err := json.Marshal(summary); err == nil {
			detail = string(b)
		}
	}
	if err := e.usage.Append(ctx, credID, true, detail); err != nil {
		slog.Error("engine: append usage entry", "error", err)
	}
}

// rehabilitate implements §4.7's one-shot rehabilitation: probe a demoted
// credential's balance once after a different credential has just succeeded.
func (e *Engine) rehabilitate(ctx context.Context, credID string) {
	cred, err := e.credentials.Get(ctx, credID)
	if err != nil {
		return
	}
	if cred.Status == credential.StatusActive {
		return
	}
	secret, err := e.credentials.GetSecret(ctx, credID)
	if err != nil {
		return
	}
	result, _ := e.prober.Probe(ctx, secret)
	if !result.BalanceKnown {
		return
	}
	if err := e.availability.Rehabilitate(ctx, credID, result.Balance); err != nil {
		slog.Error("engine: rehabilitate", "error", err)
	}
}

func (e *Engine) backgroundBalanceRefresh(credID string) {
	bgCtx := context.Background()
	secret, err := e.credentials.GetSecret(bgCtx, credID)
	if err != nil {
		return
	}
	result, _ := e.prober.Probe(bgCtx, secret)
	if !result.BalanceKnown {
		return
	}
	if err := e.availability.OnBalanceProbe(bgCtx, credID, result.Balance); err != nil {
		slog.Error("engine: background balance refresh", "error", err)
	}
	e.bus.Publish(events.Event{Type: events.EventBalanceProbed, CredentialID: credID, Message: fmt.Sprintf("balance now %.2f", result.Balance)})
}

// waitWithCancellation sleeps up to total, polled every RetryPollInterval so
// a client disconnect is observed quickly instead of blocking the full
// backoff (§4.7's "broken into 1s polls").
func (e *Engine) waitWithCancellation(ctx context.Context, total time.Duration) bool {
	ticker := time.NewTicker(e.cfg.RetryPollInterval)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for elapsed < total {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			elapsed += e.cfg.RetryPollInterval
		}
	}
	return false
}

// networkTrouble reports whether a failed attempt's category warrants a
// proxy fan-out attempt: any 5xx, 403, 429, or no response at all (§4.7).
func networkTrouble(statusCode int, transportErr bool) bool {
	if transportErr {
		return true
	}
	return statusCode >= 500 || statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
