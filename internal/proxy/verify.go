package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaynine/chatrelay/internal/store"
)

// ipEchoServices is the ordered primary-then-fallback list consulted by
// Verify. All return {"ip": "..."} style JSON.
var ipEchoServices = []string{
	"https://api.ipify.org?format=json",
	"https://ifconfig.co/json",
	"https://ip.seeip.org/json",
}

type ipEchoResponse struct {
	IP      string `json:"ip"`
	Query   string `json:"query"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// Verify hits the IP-echo services through op's dialer: primaryTimeout for
// the first service, fallbackTimeout for the rest. It records the outcome
// on the proxy row (last-verified, public IP, location, latency) regardless
// of success or failure.
func (r *Registry) Verify(ctx context.Context, op *OutboundProxy, pool *TransportPool, primaryTimeout, fallbackTimeout time.Duration) (store.ProxyVerification, error) {
	rt := pool.For(op)

	var lastErr error
	for i, svc := range ipEchoServices {
		timeout := fallbackTimeout
		if i == 0 {
			timeout = primaryTimeout
		}

		start := time.Now()
		ip, location, err := fetchIPEcho(ctx, rt, svc, timeout)
		if err != nil {
			lastErr = err
			continue
		}

		v := store.ProxyVerification{
			VerifiedAt: time.Now().UTC(),
			OK:         true,
			IP:         ip,
			Location:   location,
			LatencyMs:  int(time.Since(start) / time.Millisecond),
		}
		if err := r.recordVerification(ctx, op.ID, v); err != nil {
			return v, err
		}
		return v, nil
	}

	v := store.ProxyVerification{VerifiedAt: time.Now().UTC(), OK: false}
	if err := r.recordVerification(ctx, op.ID, v); err != nil {
		return v, err
	}
	return v, fmt.Errorf("all ip-echo services failed: %w", lastErr)
}

func fetchIPEcho(ctx context.Context, rt http.RoundTripper, url string, timeout time.Duration) (ip, location string, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}

	client := &http.Client{Transport: rt, Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("ip-echo status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", "", err
	}

	var parsed ipEchoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", err
	}

	ip = parsed.IP
	if ip == "" {
		ip = parsed.Query
	}
	if ip == "" {
		return "", "", fmt.Errorf("ip-echo response missing ip field")
	}
	return ip, parsed.City + " " + parsed.Country, nil
}
