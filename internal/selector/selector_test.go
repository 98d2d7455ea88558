package selector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/store"
)

func newTestSelector(t *testing.T, n int) (*Selector, *credential.Registry, []*credential.Credential) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := credential.NewRegistry(s, credential.NewCrypto("test-key"))
	ctx := context.Background()

	var creds []*credential.Credential
	for i := 0; i < n; i++ {
		c, err := reg.Add(ctx, "sk-"+string(rune('a'+i)), "", "")
		if err != nil {
			t.Fatalf("add credential %d: %v", i, err)
		}
		creds = append(creds, c)
	}

	sel := New(reg)
	sel.Refresh()
	return sel, reg, creds
}

func TestAdvanceYieldsCreationOrder(t *testing.T) {
	sel, _, creds := newTestSelector(t, 3)
	ctx := context.Background()

	for _, want := range creds {
		got, err := sel.Advance(ctx)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if got == nil || got.ID != want.ID {
			t.Fatalf("expected %s, got %+v", want.ID, got)
		}
	}
}

func TestAdvanceWrapsOnceThenGivesUp(t *testing.T) {
	sel, reg, creds := newTestSelector(t, 2)
	ctx := context.Background()

	for _, c := range creds {
		if err := reg.SetStatus(ctx, c.ID, credential.StatusError, "down"); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	sel.Refresh()

	got, err := sel.Advance(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no credential when all are errored, got %+v", got)
	}
}

func TestRefreshWithoutMutationsIsNoOp(t *testing.T) {
	sel, _, creds := newTestSelector(t, 2)
	ctx := context.Background()

	first, err := sel.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if first == nil || first.ID != creds[0].ID {
		t.Fatalf("expected first credential, got %+v", first)
	}

	sel.Refresh()

	second, err := sel.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("refresh without mutation should not move the cursor, got %+v", second)
	}
}

func TestCurrentAdvancesWhenCursorCredentialBecomesUnavailable(t *testing.T) {
	sel, reg, creds := newTestSelector(t, 2)
	ctx := context.Background()

	first, err := sel.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if first.ID != creds[0].ID {
		t.Fatalf("expected first credential, got %+v", first)
	}

	if err := reg.SetStatus(ctx, creds[0].ID, credential.StatusError, "down"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	sel.Refresh()

	next, err := sel.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if next == nil || next.ID != creds[1].ID {
		t.Fatalf("expected fallback to second credential, got %+v", next)
	}
}
