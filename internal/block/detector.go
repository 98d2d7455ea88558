// Package block is the Upstream-Block Detector: classifies failing upstream
// responses as a process-wide soft-block and enforces the resulting cooldown.
package block

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaynine/chatrelay/internal/store"
)

const cooldown = 30 * time.Minute
const softBlockCode = 50603

// Info describes the currently active block, if any.
type Info struct {
	BlockedAt        time.Time
	UnblockAt        time.Time
	Reason           string
	RemainingMinutes int
}

// Detector owns BlockRecord per §3.
type Detector struct {
	store store.Store
}

func NewDetector(s store.Store) *Detector {
	return &Detector{store: s}
}

// Active returns the current block, if one is in effect.
func (d *Detector) Active(ctx context.Context) (*Info, error) {
	row, err := d.store.ActiveBlock(ctx)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &Info{
		BlockedAt:        row.BlockedAt,
		UnblockAt:        row.UnblockAt,
		Reason:           row.Reason,
		RemainingMinutes: remainingMinutes(row.UnblockAt),
	}, nil
}

// Classify inspects a failing response body for the soft-block signal: the
// substring "busy" (case-insensitive) anywhere in the recursively-searched
// JSON, or a numeric code equal to 50603. parsed is the decoded JSON body
// (map[string]any, []any, or a scalar); rawBody is consulted too, since a
// non-JSON body can still carry the substring.
func Classify(parsed any, rawBody []byte) bool {
	if strings.Contains(strings.ToLower(string(rawBody)), "busy") {
		return true
	}
	return searchValue(parsed, make(map[any]bool))
}

// searchValue walks parsed JSON looking for the soft-block signal, guarding
// against cycles with a visited-set keyed by container identity (§9).
func searchValue(v any, visited map[any]bool) bool {
	switch t := v.(type) {
	case map[string]any:
		if visited[anyKey(t)] {
			return false
		}
		visited[anyKey(t)] = true
		for _, val := range t {
			if searchValue(val, visited) {
				return true
			}
		}
		return false
	case []any:
		if visited[anyKey(t)] {
			return false
		}
		visited[anyKey(t)] = true
		for _, val := range t {
			if searchValue(val, visited) {
				return true
			}
		}
		return false
	case string:
		if strings.Contains(strings.ToLower(t), "busy") {
			return true
		}
		return isSoftBlockCode(t)
	case float64:
		return int(t) == softBlockCode
	case json.Number:
		n, err := t.Int64()
		return err == nil && n == softBlockCode
	default:
		return false
	}
}

func isSoftBlockCode(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil && n == softBlockCode
}

// anyKey gives map/slice values a stable identity for the visited-set; Go
// maps/slices aren't comparable, so a pointer to the header is used instead.
func anyKey(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return fmt.Sprintf("%p", t)
	case []any:
		return fmt.Sprintf("%p", t)
	default:
		return v
	}
}

// Record inserts a BlockRecord with the standard 30-minute cooldown.
func (d *Detector) Record(ctx context.Context, reason string) (*Info, error) {
	now := time.Now().UTC()
	row := &store.BlockRow{
		ID:        uuid.New().String(),
		BlockedAt: now,
		UnblockAt: now.Add(cooldown),
		Reason:    reason,
	}
	if err := d.store.InsertBlock(ctx, row); err != nil {
		return nil, err
	}
	return &Info{
		BlockedAt:        row.BlockedAt,
		UnblockAt:        row.UnblockAt,
		Reason:           row.Reason,
		RemainingMinutes: remainingMinutes(row.UnblockAt),
	}, nil
}

// RunPurge periodically deletes expired BlockRecords, grounded on
// ratelimit.Manager.RunCleanup's ticker-loop shape.
func (d *Detector) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.store.PurgeExpiredBlocks(ctx, time.Now().UTC()); err != nil {
				slog.Error("block purge", "error", err)
			}
		}
	}
}

func remainingMinutes(unblockAt time.Time) int {
	d := time.Until(unblockAt)
	if d <= 0 {
		return 0
	}
	m := int(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}
