// Package usagelog is the Usage & Error Log: an append-only record of
// per-attempt outcomes.
package usagelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaynine/chatrelay/internal/store"
)

// Entry is one attempt outcome (§3/§4.9).
type Entry struct {
	ID           int64
	CredentialID string
	CreatedAt    time.Time
	Success      bool
	Detail       string
}

// Log wraps store.Store's usage-log operations.
type Log struct {
	store store.Store
}

func New(s store.Store) *Log {
	return &Log{store: s}
}

// Append records one attempt outcome. No retention policy is mandated by
// §4.9 itself; RunPurge implements the age-based option it allows.
func (l *Log) Append(ctx context.Context, credentialID string, success bool, detail string) error {
	return l.store.AppendUsageEntry(ctx, &store.UsageEntry{
		CredentialID: credentialID,
		CreatedAt:    time.Now().UTC(),
		Success:      success,
		Detail:       detail,
	})
}

// Recent returns the n most recent entries for a credential, newest first.
func (l *Log) Recent(ctx context.Context, credentialID string, n int) ([]Entry, error) {
	rows, err := l.store.RecentUsageEntries(ctx, credentialID, n)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{
			ID:           row.ID,
			CredentialID: row.CredentialID,
			CreatedAt:    row.CreatedAt,
			Success:      row.Success,
			Detail:       row.Detail,
		})
	}
	return out, nil
}

// RunPurge periodically deletes entries older than retention, grounded on
// the same ticker-loop shape as availability.Controller.RunCleanup.
func (l *Log) RunPurge(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := l.store.PurgeUsageEntriesBefore(ctx, cutoff)
			if err != nil {
				slog.Error("usage log purge", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("usage log purge", "purged", n)
			}
		}
	}
}
