// Package balance is the Balance Probe: a stateless call to the upstream
// user-info endpoint, parsing the remaining balance.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is the outcome of a probe. Every upstream, transport, or parse fault
// collapses into Ok/Message with a nil error per §4.2.
type Result struct {
	Ok           bool
	Balance      float64 // valid only if BalanceKnown
	BalanceKnown bool
	Message      string
}

type userInfoEnvelope struct {
	Data struct {
		Balance      *jsonNumber `json:"balance"`
		TotalBalance *jsonNumber `json:"totalBalance"`
	} `json:"data"`
}

// jsonNumber accepts the balance as either a JSON number or a numeric string,
// both of which upstreams in this family use interchangeably.
type jsonNumber float64

func (n *jsonNumber) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = jsonNumber(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("balance: not a number or string: %s", b)
	}
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return fmt.Errorf("balance: unparseable string %q", s)
	}
	*n = jsonNumber(f)
	return nil
}

// Prober calls an upstream's /user/info endpoint.
type Prober struct {
	baseURL string
	client  *http.Client
}

func NewProber(baseURL string, timeout time.Duration) *Prober {
	return &Prober{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Probe never returns a non-nil error for upstream or parse faults — those
// collapse into Result.Ok/Message per §4.2. The error return is reserved for
// an unbuildable request (for example a malformed base URL).
func (p *Prober) Probe(ctx context.Context, secret string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/user/info", nil)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Ok: false, Message: "probe request failed: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{Ok: true, BalanceKnown: true, Balance: 0, Message: "invalid or out of funds"}, nil
	case resp.StatusCode >= 500:
		return Result{Ok: false, Message: fmt.Sprintf("upstream status %d", resp.StatusCode)}, nil
	case resp.StatusCode != http.StatusOK:
		return Result{Ok: false, Message: fmt.Sprintf("unexpected upstream status %d", resp.StatusCode)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Ok: false, Message: "read probe body: " + err.Error()}, nil
	}

	var env userInfoEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{Ok: false, Message: "parse probe body: " + err.Error()}, nil
	}

	switch {
	case env.Data.Balance != nil:
		return Result{Ok: true, BalanceKnown: true, Balance: float64(*env.Data.Balance)}, nil
	case env.Data.TotalBalance != nil:
		return Result{Ok: true, BalanceKnown: true, Balance: float64(*env.Data.TotalBalance)}, nil
	default:
		return Result{Ok: false, Message: "balance field missing from upstream response"}, nil
	}
}
