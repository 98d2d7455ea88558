package proxy

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaynine/chatrelay/internal/store"
)

// fakeRoundTripper returns a canned response or error, regardless of request.
type fakeRoundTripper struct {
	resp *http.Response
	err  error
}

func (f *fakeRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// fakePool lets tests assign a fixed transport per proxy id without dialing
// anything for real.
type fakePool struct {
	byID map[string]http.RoundTripper
}

func (p *fakePool) For(op *OutboundProxy) http.RoundTripper {
	return p.byID[op.ID]
}

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}
}

func newTestDeps(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s), s
}

func buildReq(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, "https://upstream.example/chat/completions", nil)
}

func TestDispatchNotUsedWhenModeDisabled(t *testing.T) {
	reg, s := newTestDeps(t)
	sel := NewSelector(reg, s, nil, time.Second)
	sel.pool = &fakePool{}

	result, err := sel.Dispatch(context.Background(), buildReq)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Used {
		t.Fatalf("expected proxy mode disabled to skip dispatch entirely, got %+v", result)
	}
}

func TestDispatchFansOutAndPinsFirstSuccess(t *testing.T) {
	reg, s := newTestDeps(t)
	ctx := context.Background()

	if err := reg.SetModeEnabled(ctx, true); err != nil {
		t.Fatalf("enable mode: %v", err)
	}
	p1, err := reg.Add(ctx, SchemeSOCKS5, "p1.example", 1080, "", "", 0)
	if err != nil {
		t.Fatalf("add p1: %v", err)
	}
	p2, err := reg.Add(ctx, SchemeSOCKS5, "p2.example", 1080, "", "", 1)
	if err != nil {
		t.Fatalf("add p2: %v", err)
	}

	sel := NewSelector(reg, s, nil, time.Second)
	sel.pool = &fakePool{byID: map[string]http.RoundTripper{
		p1.ID: &fakeRoundTripper{err: errors.New("connection refused")},
		p2.ID: &fakeRoundTripper{resp: okResponse()},
	}}

	result, err := sel.Dispatch(ctx, buildReq)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Used || result.ProxyID != p2.ID {
		t.Fatalf("expected p2 to win fan-out, got %+v", result)
	}

	pin, err := s.GetProxyPin(ctx)
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if pin == nil || pin.ProxyID != p2.ID {
		t.Fatalf("expected pin set to p2, got %+v", pin)
	}
}

func TestDispatchAllFailedReturnsError(t *testing.T) {
	reg, s := newTestDeps(t)
	ctx := context.Background()

	if err := reg.SetModeEnabled(ctx, true); err != nil {
		t.Fatalf("enable mode: %v", err)
	}
	p1, err := reg.Add(ctx, SchemeSOCKS5, "p1.example", 1080, "", "", 0)
	if err != nil {
		t.Fatalf("add p1: %v", err)
	}

	sel := NewSelector(reg, s, nil, time.Second)
	sel.pool = &fakePool{byID: map[string]http.RoundTripper{
		p1.ID: &fakeRoundTripper{err: errors.New("timeout")},
	}}

	_, err = sel.Dispatch(ctx, buildReq)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
}

func TestDispatchClearsPinOnFailureThenFansOut(t *testing.T) {
	reg, s := newTestDeps(t)
	ctx := context.Background()

	if err := reg.SetModeEnabled(ctx, true); err != nil {
		t.Fatalf("enable mode: %v", err)
	}
	p1, err := reg.Add(ctx, SchemeSOCKS5, "p1.example", 1080, "", "", 0)
	if err != nil {
		t.Fatalf("add p1: %v", err)
	}
	p2, err := reg.Add(ctx, SchemeSOCKS5, "p2.example", 1080, "", "", 1)
	if err != nil {
		t.Fatalf("add p2: %v", err)
	}
	if err := s.SetProxyPin(ctx, p1.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	sel := NewSelector(reg, s, nil, time.Second)
	sel.pool = &fakePool{byID: map[string]http.RoundTripper{
		p1.ID: &fakeRoundTripper{err: errors.New("pinned proxy now down")},
		p2.ID: &fakeRoundTripper{resp: okResponse()},
	}}

	result, err := sel.Dispatch(ctx, buildReq)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.ProxyID != p2.ID {
		t.Fatalf("expected fallback to p2 after pin failure, got %+v", result)
	}

	pin, err := s.GetProxyPin(ctx)
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if pin == nil || pin.ProxyID != p2.ID {
		t.Fatalf("expected new pin on p2, got %+v", pin)
	}
}
