package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/relaynine/chatrelay/internal/store"
)

// ErrAllFailed is returned by Dispatch when every candidate proxy failed.
var ErrAllFailed = errors.New("proxy: all outbound proxies failed")

const pinWindow = 60 * time.Minute

// RequestBuilder produces a fresh *http.Request for one dispatch attempt.
// Dispatch may try several proxies in turn, each consuming the request body,
// so the caller supplies a factory rather than a single built request.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// DispatchResult reports which proxy (if any) carried the request.
type DispatchResult struct {
	Response *http.Response
	ProxyID  string // "" when dispatched directly or mode disabled
	Used     bool   // true iff a proxy carried the request
}

// dialerPool is the subset of *TransportPool the Selector needs; narrowed to
// an interface so tests can substitute fake transports without real socks5/
// utls dialing.
type dialerPool interface {
	For(op *OutboundProxy) http.RoundTripper
}

// Selector is the stateful half of §4.5: the pin plus the dialer pool.
type Selector struct {
	registry *Registry
	store    store.Store
	pool     dialerPool
	timeout  time.Duration
}

func NewSelector(registry *Registry, s store.Store, pool *TransportPool, requestTimeout time.Duration) *Selector {
	return &Selector{registry: registry, store: s, pool: pool, timeout: requestTimeout}
}

// ModeEnabled reports whether outbound-proxy routing is globally on.
func (s *Selector) ModeEnabled(ctx context.Context) (bool, error) {
	return s.registry.ModeEnabled(ctx)
}

// PinnedTransport returns the transport for the current valid pin, if any.
func (s *Selector) PinnedTransport(ctx context.Context) (http.RoundTripper, string, bool, error) {
	pin, err := s.store.GetProxyPin(ctx)
	if err != nil {
		return nil, "", false, err
	}
	if pin == nil || !time.Now().Before(pin.ExpiresAt) {
		return nil, "", false, nil
	}
	op, err := s.registry.Get(ctx, pin.ProxyID)
	if errors.Is(err, ErrNotFound) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	return s.pool.For(op), op.ID, true, nil
}

// ClearPin drops the current pin — called on a failed request through it.
func (s *Selector) ClearPin(ctx context.Context) error {
	return s.store.ClearProxyPin(ctx)
}

// Dispatch implements §4.5's algorithm in full: it is invoked only when the
// Request Engine decides a proxy-fan-out attempt is warranted (mode check,
// pin attempt, ordered fan-out). A "working proxy" is one that returns an
// HTTP response at all — business-logic failure (4xx/5xx from upstream) is
// still a successful dispatch attempt at this layer; only transport failures
// (no response) count against a proxy here.
func (s *Selector) Dispatch(ctx context.Context, build RequestBuilder) (*DispatchResult, error) {
	enabled, err := s.registry.ModeEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &DispatchResult{Used: false}, nil
	}

	if rt, proxyID, ok, err := s.PinnedTransport(ctx); err != nil {
		return nil, err
	} else if ok {
		resp, attemptErr := s.attempt(ctx, build, rt)
		if attemptErr == nil {
			return &DispatchResult{Response: resp, ProxyID: proxyID, Used: true}, nil
		}
		if err := s.ClearPin(ctx); err != nil {
			return nil, err
		}
	}

	proxies, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, op := range proxies {
		resp, attemptErr := s.attempt(ctx, build, s.pool.For(op))
		if attemptErr != nil {
			continue
		}
		if err := s.store.SetProxyPin(ctx, op.ID, time.Now().Add(pinWindow)); err != nil {
			return nil, err
		}
		return &DispatchResult{Response: resp, ProxyID: op.ID, Used: true}, nil
	}

	return nil, ErrAllFailed
}

func (s *Selector) attempt(ctx context.Context, build RequestBuilder, rt http.RoundTripper) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: rt, Timeout: s.timeout}
	return client.Do(req)
}
