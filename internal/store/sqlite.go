package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store against a single embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// New opens dbPath, applies the WAL/busy-timeout pragmas, and creates the
// schema if it does not already exist.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := migrateAdditive(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// additiveColumns lists columns a prior release's schema.sql might not have
// created yet. migrateAdditive backfills them with ALTER TABLE so an
// existing database file upgrades in place instead of requiring a fresh one.
var additiveColumns = map[string][]string{
	"credentials": {"notes TEXT NOT NULL DEFAULT ''"},
}

func migrateAdditive(ctx context.Context, db *sql.DB) error {
	for table, columns := range additiveColumns {
		existing, err := tableColumns(ctx, db, table)
		if err != nil {
			return err
		}
		for _, col := range columns {
			name := col[:strings.IndexByte(col, ' ')]
			if existing[name] {
				continue
			}
			if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, name, err)
			}
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

const credentialCols = `id, name, secret_enc, secret_hash, status, availability,
	balance_known, balance, balance_probed_at, call_count, created_at,
	last_used_at, error_count, last_error, notes`

func scanCredentialRow(scanner interface{ Scan(...any) error }) (*CredentialRow, error) {
	var (
		c                               CredentialRow
		availability, balanceKnown      int
		createdAt                       int64
		balanceProbedAt, lastUsedAt     sql.NullInt64
	)
	err := scanner.Scan(
		&c.ID, &c.Name, &c.SecretEnc, &c.SecretHash, &c.Status, &availability,
		&balanceKnown, &c.Balance, &balanceProbedAt, &c.CallCount, &createdAt,
		&lastUsedAt, &c.ErrorCount, &c.LastError, &c.Notes,
	)
	if err != nil {
		return nil, err
	}
	c.Availability = availability != 0
	c.BalanceKnown = balanceKnown != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if balanceProbedAt.Valid {
		t := time.Unix(balanceProbedAt.Int64, 0).UTC()
		c.BalanceProbedAt = &t
	}
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0).UTC()
		c.LastUsedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) InsertCredential(ctx context.Context, c *CredentialRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (`+credentialCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SecretEnc, c.SecretHash, c.Status, boolInt(c.Availability),
		boolInt(c.BalanceKnown), c.Balance, nullTime(c.BalanceProbedAt), c.CallCount,
		c.CreatedAt.Unix(), nullTime(c.LastUsedAt), c.ErrorCount, c.LastError, c.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*CredentialRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredentialRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*CredentialRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialCols+` FROM credentials ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*CredentialRow
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateCredential(ctx context.Context, id string, patch CredentialPatch) error {
	sets := make([]string, 0, 10)
	args := make([]any, 0, 11)

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Availability != nil {
		sets = append(sets, "availability = ?")
		args = append(args, boolInt(*patch.Availability))
	}
	if patch.BalanceKnown != nil {
		sets = append(sets, "balance_known = ?")
		args = append(args, boolInt(*patch.BalanceKnown))
	}
	if patch.Balance != nil {
		sets = append(sets, "balance = ?")
		args = append(args, *patch.Balance)
	}
	if patch.BalanceProbedAt != nil {
		sets = append(sets, "balance_probed_at = ?")
		args = append(args, patch.BalanceProbedAt.Unix())
	}
	if patch.CallCount != nil {
		sets = append(sets, "call_count = ?")
		args = append(args, *patch.CallCount)
	}
	if patch.LastUsedAt != nil {
		sets = append(sets, "last_used_at = ?")
		args = append(args, patch.LastUsedAt.Unix())
	}
	if patch.ErrorCount != nil {
		sets = append(sets, "error_count = ?")
		args = append(args, *patch.ErrorCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *patch.Notes)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE credentials SET " + joinComma(sets) + " WHERE id = ?"
	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SecretHashExists(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM credentials WHERE secret_hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check secret hash: %w", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Usage & error log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) AppendUsageEntry(ctx context.Context, e *UsageEntry) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO usage_log (credential_id, created_at, success, detail)
		VALUES (?, ?, ?, ?)`, e.CredentialID, e.CreatedAt.Unix(), boolInt(e.Success), e.Detail)
	if err != nil {
		return fmt.Errorf("append usage entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *SQLiteStore) RecentUsageEntries(ctx context.Context, credentialID string, limit int) ([]*UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, credential_id, created_at, success, detail
		FROM usage_log WHERE credential_id = ? ORDER BY id DESC LIMIT ?`, credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent usage entries: %w", err)
	}
	defer rows.Close()

	var out []*UsageEntry
	for rows.Next() {
		var e UsageEntry
		var createdAt int64
		var success int
		if err := rows.Scan(&e.ID, &e.CredentialID, &createdAt, &success, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.Success = success != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeUsageEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_log WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge usage entries: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Outbound proxies
// ---------------------------------------------------------------------------

const proxyCols = `id, scheme, host, port, username, password, order_index,
	last_verified_at, last_verified_ok, last_ip, last_location, last_latency_ms`

func scanProxyRow(scanner interface{ Scan(...any) error }) (*ProxyRow, error) {
	var (
		p              ProxyRow
		verifiedOK     int
		lastVerifiedAt sql.NullInt64
	)
	err := scanner.Scan(
		&p.ID, &p.Scheme, &p.Host, &p.Port, &p.Username, &p.Password, &p.OrderIndex,
		&lastVerifiedAt, &verifiedOK, &p.LastIP, &p.LastLocation, &p.LastLatencyMs,
	)
	if err != nil {
		return nil, err
	}
	p.LastVerifiedOK = verifiedOK != 0
	if lastVerifiedAt.Valid {
		t := time.Unix(lastVerifiedAt.Int64, 0).UTC()
		p.LastVerifiedAt = &t
	}
	return &p, nil
}

func (s *SQLiteStore) InsertProxy(ctx context.Context, p *ProxyRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO outbound_proxies (`+proxyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Scheme, p.Host, p.Port, p.Username, p.Password, p.OrderIndex,
		nullTime(p.LastVerifiedAt), boolInt(p.LastVerifiedOK), p.LastIP, p.LastLocation, p.LastLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProxy(ctx context.Context, id string) (*ProxyRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proxyCols+` FROM outbound_proxies WHERE id = ?`, id)
	p, err := scanProxyRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProxies(ctx context.Context) ([]*ProxyRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+proxyCols+` FROM outbound_proxies ORDER BY order_index ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var out []*ProxyRow
	for rows.Next() {
		p, err := scanProxyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProxy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbound_proxies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateProxyVerification(ctx context.Context, id string, v ProxyVerification) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbound_proxies SET
		last_verified_at = ?, last_verified_ok = ?, last_ip = ?, last_location = ?, last_latency_ms = ?
		WHERE id = ?`,
		v.VerifiedAt.Unix(), boolInt(v.OK), v.IP, v.Location, v.LatencyMs, id,
	)
	if err != nil {
		return fmt.Errorf("update proxy verification: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Proxy mode / pin
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ProxyModeEnabled(ctx context.Context) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM proxy_mode WHERE id = 1`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("proxy mode enabled: %w", err)
	}
	return enabled != 0, nil
}

func (s *SQLiteStore) SetProxyModeEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proxy_mode SET enabled = ? WHERE id = 1`, boolInt(enabled))
	if err != nil {
		return fmt.Errorf("set proxy mode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProxyPin(ctx context.Context) (*PinRow, error) {
	var proxyID sql.NullString
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT proxy_id, expires_at FROM proxy_pin WHERE id = 1`).Scan(&proxyID, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("get proxy pin: %w", err)
	}
	if !proxyID.Valid {
		return nil, nil
	}
	p := &PinRow{ProxyID: proxyID.String}
	if expiresAt.Valid {
		p.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
	}
	return p, nil
}

func (s *SQLiteStore) SetProxyPin(ctx context.Context, proxyID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proxy_pin SET proxy_id = ?, expires_at = ? WHERE id = 1`,
		proxyID, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("set proxy pin: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearProxyPin(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proxy_pin SET proxy_id = NULL, expires_at = NULL WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear proxy pin: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Block records
// ---------------------------------------------------------------------------

// ActiveBlock returns the block record covering the current instant, if any.
// block_records holds at most one relevant row at a time in practice, but the
// query tolerates leftover rows by picking the one that unblocks latest.
func (s *SQLiteStore) ActiveBlock(ctx context.Context) (*BlockRow, error) {
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx, `SELECT id, blocked_at, unblock_at, reason
		FROM block_records WHERE unblock_at > ? ORDER BY unblock_at DESC LIMIT 1`, now)

	var b BlockRow
	var blockedAt, unblockAt int64
	err := row.Scan(&b.ID, &blockedAt, &unblockAt, &b.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active block: %w", err)
	}
	b.BlockedAt = time.Unix(blockedAt, 0).UTC()
	b.UnblockAt = time.Unix(unblockAt, 0).UTC()
	return &b, nil
}

func (s *SQLiteStore) InsertBlock(ctx context.Context, b *BlockRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO block_records (id, blocked_at, unblock_at, reason)
		VALUES (?, ?, ?, ?)`, b.ID, b.BlockedAt.Unix(), b.UnblockAt.Unix(), b.Reason)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpiredBlocks(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM block_records WHERE unblock_at <= ?`, asOf.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired blocks: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
