package block

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaynine/chatrelay/internal/store"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewDetector(s)
}

func TestClassifyDetectsBusySubstringCaseInsensitive(t *testing.T) {
	body := []byte(`{"error":{"message":"Service BUSY, try later"}}`)
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Classify(parsed, body) {
		t.Fatalf("expected busy substring to classify as soft-block")
	}
}

func TestClassifyDetectsNumericCode(t *testing.T) {
	body := []byte(`{"error":{"code":50603}}`)
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Classify(parsed, body) {
		t.Fatalf("expected numeric code 50603 to classify as soft-block")
	}
}

func TestClassifyIgnoresUnrelatedBody(t *testing.T) {
	body := []byte(`{"error":{"message":"invalid api key"}}`)
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if Classify(parsed, body) {
		t.Fatalf("expected unrelated error body to not classify as soft-block")
	}
}

func TestClassifyHandlesCyclicStructureWithoutHanging(t *testing.T) {
	inner := map[string]any{"message": "invalid api key"}
	outer := map[string]any{"error": inner, "self": nil}
	inner["parent"] = outer // a real cycle: maps are references, so outer -> inner -> outer
	if Classify(outer, []byte(`{}`)) {
		t.Fatalf("expected non-busy nested structure to not classify as soft-block")
	}
}

func TestRecordSetsThirtyMinuteCooldownAndActiveReportsIt(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	info, err := d.Record(ctx, "busy signal detected")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if info.RemainingMinutes < 29 || info.RemainingMinutes > 30 {
		t.Fatalf("expected ~30 minute cooldown, got %d", info.RemainingMinutes)
	}

	active, err := d.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active == nil || active.Reason != "busy signal detected" {
		t.Fatalf("expected active block to be reported, got %+v", active)
	}
}

func TestActiveReturnsNilWhenNoBlockRecorded(t *testing.T) {
	d := newTestDetector(t)
	active, err := d.Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active block, got %+v", active)
	}
}

func TestPurgeRemovesExpiredBlocks(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	// Insert a block that already expired by writing directly through store,
	// since Record always uses the standard 30-minute cooldown.
	expired := &store.BlockRow{
		ID:        "expired-block",
		BlockedAt: time.Now().Add(-time.Hour).UTC(),
		UnblockAt: time.Now().Add(-time.Minute).UTC(),
		Reason:    "stale",
	}
	s := d.store
	if err := s.InsertBlock(ctx, expired); err != nil {
		t.Fatalf("insert expired block: %v", err)
	}

	n, err := s.PurgeExpiredBlocks(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}
