// Package credential is the Credential Registry: the persistent store of
// upstream bearer tokens, their lifecycle status, balance, and availability.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaynine/chatrelay/internal/store"
)

// Status values. status=error implies ErrorCount > 0.
const (
	StatusActive       = "active"
	StatusInsufficient = "insufficient"
	StatusError        = "error"
)

// ErrConflict is returned by Add when the secret already exists.
var ErrConflict = errors.New("credential: secret already registered")

// ErrNotFound is returned by Get/Delete/mutators for an unknown id.
var ErrNotFound = errors.New("credential: not found")

// Credential is one upstream bearer token.
type Credential struct {
	ID              string
	Name            string
	Secret          string // masked (first 8 + last 4) by List/Get; full plaintext only via Export
	Status          string
	Availability    bool
	BalanceKnown    bool
	Balance         float64
	BalanceProbedAt *time.Time
	CallCount       int64
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	ErrorCount      int
	LastError       string
	Notes           string
}

// Available reports whether the Key Selector may pick this credential.
func (c *Credential) Available() bool {
	return c.Availability && c.Status == StatusActive
}

// Registry wraps store.Store with the Credential domain and secret-at-rest
// encryption.
type Registry struct {
	store  store.Store
	crypto *Crypto
}

func NewRegistry(s store.Store, c *Crypto) *Registry {
	return &Registry{store: s, crypto: c}
}

// Add registers a new credential. Returns ErrConflict if the secret is
// already registered.
func (r *Registry) Add(ctx context.Context, secret, name, notes string) (*Credential, error) {
	hash := r.crypto.HashSecret(secret)
	exists, err := r.store.SecretHashExists(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check secret: %w", err)
	}
	if exists {
		return nil, ErrConflict
	}

	enc, err := r.crypto.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	row := &store.CredentialRow{
		ID:           uuid.New().String(),
		Name:         name,
		SecretEnc:    enc,
		SecretHash:   hash,
		Status:       StatusActive,
		Availability: true,
		CreatedAt:    time.Now().UTC(),
		Notes:        notes,
	}
	if err := r.store.InsertCredential(ctx, row); err != nil {
		return nil, err
	}
	return r.rowToCredential(row, secret), nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteCredential(ctx, id)
}

// List returns all credentials with secrets masked (first 8 + last 4 chars).
func (r *Registry) List(ctx context.Context) ([]*Credential, error) {
	rows, err := r.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(rows))
	for _, row := range rows {
		secret, err := r.crypto.Decrypt(row.SecretEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", row.ID, err)
		}
		out = append(out, r.rowToCredential(row, secret))
	}
	return out, nil
}

// ListAvailable returns credentials in creation-ascending order, independent
// of availability — the Key Selector filters by Available() itself, but the
// ordering guarantee (§4.4) lives here since the Registry owns creation time.
func (r *Registry) ListAvailable(ctx context.Context) ([]*Credential, error) {
	return r.List(ctx)
}

func (r *Registry) Get(ctx context.Context, id string) (*Credential, error) {
	row, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	secret, err := r.crypto.Decrypt(row.SecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return r.rowToCredential(row, secret), nil
}

// GetSecret returns the decrypted secret for id, for upstream dispatch by the
// Request Engine — distinct from Export in that it skips building a full
// Credential (no masking, no row-to-struct overhead for a hot-path call).
func (r *Registry) GetSecret(ctx context.Context, id string) (string, error) {
	row, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", ErrNotFound
	}
	return r.crypto.Decrypt(row.SecretEnc)
}

// Export returns one credential with its secret decrypted, for admin use only.
func (r *Registry) Export(ctx context.Context, id string) (*Credential, error) {
	row, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	secret, err := r.crypto.Decrypt(row.SecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	c := r.rowToCredential(row, secret)
	c.Secret = secret
	return c, nil
}

// SetStatus sets status and, when errText is non-empty, increments the error
// count and records it; when errText is empty, clears error state (§4.1).
func (r *Registry) SetStatus(ctx context.Context, id, status string, errText string) error {
	row, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrNotFound
	}

	patch := store.CredentialPatch{Status: &status}
	if errText != "" {
		n := row.ErrorCount + 1
		patch.ErrorCount = &n
		patch.LastError = &errText
	} else {
		zero := 0
		empty := ""
		patch.ErrorCount = &zero
		patch.LastError = &empty
	}
	return r.store.UpdateCredential(ctx, id, patch)
}

// SetBalance records a probed balance and stamps the probe time.
func (r *Registry) SetBalance(ctx context.Context, id string, balance float64) error {
	now := time.Now().UTC()
	known := true
	return r.store.UpdateCredential(ctx, id, store.CredentialPatch{
		Balance:         &balance,
		BalanceKnown:    &known,
		BalanceProbedAt: &now,
	})
}

func (r *Registry) SetAvailability(ctx context.Context, id string, available bool) error {
	return r.store.UpdateCredential(ctx, id, store.CredentialPatch{Availability: &available})
}

// IncrementCalls bumps the call counter and stamps last-used.
func (r *Registry) IncrementCalls(ctx context.Context, id string) error {
	row, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrNotFound
	}
	n := row.CallCount + 1
	now := time.Now().UTC()
	return r.store.UpdateCredential(ctx, id, store.CredentialPatch{
		CallCount:  &n,
		LastUsedAt: &now,
	})
}

// rowToCredential builds a Credential from its row plus the already-decrypted
// secret, masking the secret unless the caller is Export (which overwrites
// Secret with the full plaintext afterward).
func (r *Registry) rowToCredential(row *store.CredentialRow, secret string) *Credential {
	return &Credential{
		ID:              row.ID,
		Name:            row.Name,
		Secret:          maskSecret(secret),
		Status:          row.Status,
		Availability:    row.Availability,
		BalanceKnown:    row.BalanceKnown,
		Balance:         row.Balance,
		BalanceProbedAt: row.BalanceProbedAt,
		CallCount:       row.CallCount,
		CreatedAt:       row.CreatedAt,
		LastUsedAt:      row.LastUsedAt,
		ErrorCount:      row.ErrorCount,
		LastError:       row.LastError,
		Notes:           row.Notes,
	}
}

// maskSecret keeps the first 8 and last 4 characters, per §4.1.
func maskSecret(secret string) string {
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:8] + "…" + secret[len(secret)-4:]
}
