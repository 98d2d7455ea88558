package balance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeParsesBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"balance":"12.50"}}`))
	}))
	defer srv.Close()

	p := NewProber(srv.URL, 5*time.Second)
	res, err := p.Probe(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if !res.Ok || !res.BalanceKnown || res.Balance != 12.5 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProbeFallsBackToTotalBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"totalBalance":3.1}}`))
	}))
	defer srv.Close()

	p := NewProber(srv.URL, 5*time.Second)
	res, err := p.Probe(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if !res.Ok || res.Balance != 3.1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProbeUnauthorizedReportsZeroBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, 5*time.Second)
	res, err := p.Probe(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if !res.Ok || !res.BalanceKnown || res.Balance != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProbeServerErrorLeavesBalanceUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, 5*time.Second)
	res, err := p.Probe(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if res.Ok || res.BalanceKnown {
		t.Fatalf("expected unknown balance on 5xx, got %+v", res)
	}
}

func TestProbeNeverFails(t *testing.T) {
	p := NewProber("http://127.0.0.1:0", 1*time.Second)
	res, err := p.Probe(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("probe must collapse transport errors into Result, got error: %v", err)
	}
	if res.Ok {
		t.Fatalf("expected ok=false on unreachable host, got %+v", res)
	}
}
