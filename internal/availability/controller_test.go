package availability

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/events"
	"github.com/relaynine/chatrelay/internal/store"
)

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) Refresh() { f.calls++ }

func newTestController(t *testing.T) (*Controller, *credential.Registry, *fakeRefresher) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := credential.NewRegistry(s, credential.NewCrypto("test-key"))
	refresher := &fakeRefresher{}
	ctrl := NewController(reg, refresher, events.NewBus(16))
	return ctrl, reg, refresher
}

func TestOnFailureThenOnBalanceProbeDemotes(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	c, err := reg.Add(ctx, "sk-demote", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := ctrl.OnFailure(ctx, c.ID, "upstream 403"); err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if err := ctrl.OnBalanceProbe(ctx, c.ID, 0.2); err != nil {
		t.Fatalf("on balance probe: %v", err)
	}

	got, err := reg.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != credential.StatusInsufficient || got.Availability {
		t.Fatalf("expected demoted credential, got %+v", got)
	}
}

func TestOnBalanceProbeAboveThresholdDoesNotDemote(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	c, err := reg.Add(ctx, "sk-ok", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ctrl.OnBalanceProbe(ctx, c.ID, 5.0); err != nil {
		t.Fatalf("on balance probe: %v", err)
	}

	got, err := reg.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != credential.StatusActive || !got.Availability {
		t.Fatalf("expected credential to remain active, got %+v", got)
	}
}

func TestOnSuccessRestoresErroredCredentialAndRefreshes(t *testing.T) {
	ctrl, reg, refresher := newTestController(t)
	ctx := context.Background()

	c, err := reg.Add(ctx, "sk-recover", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ctrl.OnFailure(ctx, c.ID, "boom"); err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if err := reg.SetAvailability(ctx, c.ID, false); err != nil {
		t.Fatalf("set availability: %v", err)
	}

	if err := ctrl.OnSuccess(ctx, c.ID); err != nil {
		t.Fatalf("on success: %v", err)
	}

	got, err := reg.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != credential.StatusActive || !got.Availability || got.ErrorCount != 0 {
		t.Fatalf("expected restored credential, got %+v", got)
	}
	if refresher.calls == 0 {
		t.Fatalf("expected selector refresh to be signaled")
	}
}

func TestRecheckUnavailableRequiresBothConditions(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	c, err := reg.Add(ctx, "sk-recheck", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Only low error count, balance unknown: stays available.
	if err := ctrl.Recheck(ctx, c.ID); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	got, _ := reg.Get(ctx, c.ID)
	if !got.Availability {
		t.Fatalf("expected credential to remain available with no signal, got %+v", got)
	}

	// error_count >= 3 and balance < 1.0: becomes unavailable.
	for i := 0; i < 3; i++ {
		if err := ctrl.OnFailure(ctx, c.ID, "fail"); err != nil {
			t.Fatalf("on failure: %v", err)
		}
	}
	if err := reg.SetBalance(ctx, c.ID, 0.5); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := ctrl.Recheck(ctx, c.ID); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	got, _ = reg.Get(ctx, c.ID)
	if got.Availability {
		t.Fatalf("expected credential to become unavailable, got %+v", got)
	}
}

// TestRecheckNeverPromotes covers §9/§14: the periodic background sweep must
// not re-enable a credential even once the balance that demoted it recovers.
// Only the Engine's next-success-elsewhere path (Rehabilitate) may do that.
func TestRecheckNeverPromotes(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	c, err := reg.Add(ctx, "sk-recheck-promote", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ctrl.OnFailure(ctx, c.ID, "fail"); err != nil {
			t.Fatalf("on failure: %v", err)
		}
	}
	if err := reg.SetBalance(ctx, c.ID, 0.5); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := ctrl.Recheck(ctx, c.ID); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	got, _ := reg.Get(ctx, c.ID)
	if got.Availability {
		t.Fatalf("expected credential to become unavailable, got %+v", got)
	}

	// Balance refreshed above threshold out-of-band: Recheck must NOT
	// restore availability; only Rehabilitate may.
	if err := reg.SetBalance(ctx, c.ID, 10.0); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := ctrl.Recheck(ctx, c.ID); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	got, _ = reg.Get(ctx, c.ID)
	if got.Availability {
		t.Fatalf("expected Recheck to remain demote-only, got available=%v", got.Availability)
	}
}

func TestToggleManualResetsErroredCredential(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	c, err := reg.Add(ctx, "sk-manual", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ctrl.OnFailure(ctx, c.ID, "boom"); err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if err := reg.SetAvailability(ctx, c.ID, false); err != nil {
		t.Fatalf("set availability: %v", err)
	}

	if err := ctrl.ToggleManual(ctx, c.ID); err != nil {
		t.Fatalf("toggle manual: %v", err)
	}

	got, err := reg.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != credential.StatusActive || !got.Availability {
		t.Fatalf("expected manual reset to activate credential, got %+v", got)
	}
}
