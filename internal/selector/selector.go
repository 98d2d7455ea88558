// Package selector is the Key Selector: an in-memory cursor over the
// Credential Registry's available list, advancing on failure and wrapping
// once before giving up.
package selector

import (
	"context"
	"sync"

	"github.com/relaynine/chatrelay/internal/credential"
)

// Selector holds the process-wide cursor described in §4.4. Its critical
// section is deliberately short: callers resolve credentials by id against
// the Registry themselves outside the lock.
type Selector struct {
	registry *credential.Registry

	mu        sync.Mutex
	cursor    string // credential id, "" if unset
	available []*credential.Credential
	loaded    bool
}

func New(r *credential.Registry) *Selector {
	return &Selector{registry: r}
}

// Refresh reloads the available list from the Registry. If the cursor points
// to a credential no longer in the list, it is cleared. Safe to call from
// any goroutine (e.g. the Availability Controller after a mutation).
func (s *Selector) Refresh() {
	// The Registry call can block on I/O; do it outside the lock, then take
	// the lock only to publish the result and re-validate the cursor.
	creds, err := s.registry.ListAvailable(context.Background())
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = creds
	s.loaded = true
	if s.cursor != "" && !containsID(creds, s.cursor) {
		s.cursor = ""
	}
}

func (s *Selector) ensureLoaded() {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		s.Refresh()
	}
}

// Current returns the cursor's credential if it is still available and
// active; otherwise it advances.
func (s *Selector) Current(ctx context.Context) (*credential.Credential, error) {
	s.ensureLoaded()

	s.mu.Lock()
	cursor := s.cursor
	list := s.available
	s.mu.Unlock()

	if cursor != "" {
		for _, c := range list {
			if c.ID == cursor && c.Available() {
				return c, nil
			}
		}
	}
	return s.Advance(ctx)
}

// Advance scans the available list starting after the cursor, wrapping once,
// and returns the first status=active credential. If none qualifies, it
// clears the cursor and returns nil.
func (s *Selector) Advance(ctx context.Context) (*credential.Credential, error) {
	s.ensureLoaded()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.available)
	if n == 0 {
		s.cursor = ""
		return nil, nil
	}

	start := 0
	if s.cursor != "" {
		if idx := indexOf(s.available, s.cursor); idx >= 0 {
			start = idx + 1
		}
	}

	for i := 0; i < n; i++ {
		c := s.available[(start+i)%n]
		if c.Status == credential.StatusActive && c.Availability {
			s.cursor = c.ID
			return c, nil
		}
	}

	s.cursor = ""
	return nil, nil
}

func containsID(creds []*credential.Credential, id string) bool {
	return indexOf(creds, id) >= 0
}

func indexOf(creds []*credential.Credential, id string) int {
	for i, c := range creds {
		if c.ID == id {
			return i
		}
	}
	return -1
}
