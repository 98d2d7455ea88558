// Package store is the persistence layer for chatrelay: a single embedded
// SQLite file holding credentials, outbound proxies, the proxy pin, block
// records, and the usage/error log.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface. All mutations are individually atomic.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Credentials
	InsertCredential(ctx context.Context, c *CredentialRow) error
	GetCredential(ctx context.Context, id string) (*CredentialRow, error)
	ListCredentials(ctx context.Context) ([]*CredentialRow, error)
	DeleteCredential(ctx context.Context, id string) error
	UpdateCredential(ctx context.Context, id string, patch CredentialPatch) error
	SecretHashExists(ctx context.Context, hash string) (bool, error)

	// Usage & error log
	AppendUsageEntry(ctx context.Context, e *UsageEntry) error
	RecentUsageEntries(ctx context.Context, credentialID string, limit int) ([]*UsageEntry, error)
	PurgeUsageEntriesBefore(ctx context.Context, before time.Time) (int64, error)

	// Outbound proxies
	InsertProxy(ctx context.Context, p *ProxyRow) error
	GetProxy(ctx context.Context, id string) (*ProxyRow, error)
	ListProxies(ctx context.Context) ([]*ProxyRow, error)
	DeleteProxy(ctx context.Context, id string) error
	UpdateProxyVerification(ctx context.Context, id string, v ProxyVerification) error

	// Global outbound-proxy enable switch
	ProxyModeEnabled(ctx context.Context) (bool, error)
	SetProxyModeEnabled(ctx context.Context, enabled bool) error

	// Proxy pin (singleton)
	GetProxyPin(ctx context.Context) (*PinRow, error)
	SetProxyPin(ctx context.Context, proxyID string, expiresAt time.Time) error
	ClearProxyPin(ctx context.Context) error

	// Block records
	ActiveBlock(ctx context.Context) (*BlockRow, error)
	InsertBlock(ctx context.Context, b *BlockRow) error
	PurgeExpiredBlocks(ctx context.Context, asOf time.Time) (int64, error)
}

// CredentialRow is the on-disk representation of a Credential (§3).
type CredentialRow struct {
	ID              string
	Name            string
	SecretEnc       string // AES-256-CBC ciphertext, or plaintext if encryption disabled
	SecretHash      string // salted SHA-256, enforces uniqueness
	Status          string // active, insufficient, error
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

// CredentialPatch carries a sparse set of column updates. Nil fields are
// left untouched.
type CredentialPatch struct {
	Status          *string
	Availability    *bool
	BalanceKnown    *bool
	Balance         *float64
	BalanceProbedAt *time.Time
	CallCount       *int64
	LastUsedAt      *time.Time
	ErrorCount      *int
	LastError       *string
	Name            *string
	Notes           *string
}

// UsageEntry is one append-only record of an attempt outcome (§3).
type UsageEntry struct {
	ID           int64
	CredentialID string
	CreatedAt    time.Time
	Success      bool
	Detail       string
}

// ProxyRow is the on-disk representation of an OutboundProxy (§3).
type ProxyRow struct {
	ID             string
	Scheme         string // socks5, http, https
	Host           string
	Port           int
	Username       string
	Password       string
	OrderIndex     int
	LastVerifiedAt *time.Time
	LastVerifiedOK bool
	LastIP         string
	LastLocation   string
	LastLatencyMs  int
}

// ProxyVerification is the result of a manual verify operation.
type ProxyVerification struct {
	VerifiedAt time.Time
	OK         bool
	IP         string
	Location   string
	LatencyMs  int
}

// PinRow is the singleton ProxyPin (§3).
type PinRow struct {
	ProxyID   string
	ExpiresAt time.Time
}

// BlockRow is a BlockRecord (§3).
type BlockRow struct {
	ID        string
	BlockedAt time.Time
	UnblockAt time.Time
	Reason    string
}
