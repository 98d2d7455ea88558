package usagelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaynine/chatrelay/internal/store"
)

func newTestLog(t *testing.T) (*Log, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if err := l.Append(ctx, "cred-1", true, "first"); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := l.Append(ctx, "cred-1", false, "second"); err != nil {
		t.Fatalf("append second: %v", err)
	}

	entries, err := l.Recent(ctx, "cred-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].Detail != "second" || entries[1].Detail != "first" {
		t.Fatalf("expected newest-first ordering, got %+v", entries)
	}
}

func TestRecentScopesByCredential(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if err := l.Append(ctx, "cred-a", true, "a-entry"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(ctx, "cred-b", true, "b-entry"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := l.Recent(ctx, "cred-a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Detail != "a-entry" {
		t.Fatalf("expected only cred-a's entry, got %+v", entries)
	}
}

func TestPurgeOlderThanRetention(t *testing.T) {
	l, s := newTestLog(t)
	ctx := context.Background()

	if err := l.Append(ctx, "cred-1", true, "old"); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := s.PurgeUsageEntriesBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged entry, got %d", n)
	}

	entries, err := l.Recent(ctx, "cred-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after purge, got %+v", entries)
	}
}
