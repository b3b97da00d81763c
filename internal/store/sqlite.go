package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store on top of a single embedded SQLite
// connection. Pending OAuth sessions also live in an in-memory TTL map
// (internal/oauthsession builds on ttlmap.go directly for the hot path);
// the table here is a mirror oauthsession writes and deletes but never
// reads, so it does not carry pending sessions across a restart.
type SQLiteStore struct {
	db            *sql.DB
	cleanupCancel context.CancelFunc
}

// New opens dbPath, applies the schema, and starts a background janitor
// that purges expired OAuth sessions and stale request log rows.
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
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{db: db, cleanupCancel: cancel}
	go s.runCleanup(ctx)
	return s, nil
}

func (s *SQLiteStore) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.PurgeExpiredOAuthSessions(ctx, time.Now().UnixMilli())
			_ = s.PurgeOldLogs(ctx, 30*24*time.Hour)
		}
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.cleanupCancel()
	return s.db.Close()
}

const accountCols = `id, name, provider, credential_kind, refresh_token, access_token,
	expires_at_ms, api_key, created_at_ms, request_count, total_requests,
	last_used_ms, session_start_ms, session_request_count, limited_until_ms,
	reset_ms, status_label, remaining, paused, priority, auto_fallback_enabled,
	auto_refresh_enabled, custom_endpoint, model_mappings`

func scanAccountRow(row interface {
	Scan(dest ...any) error
}) (*Account, error) {
	var a Account
	var expiresAt, lastUsed, sessionStart, limitedUntil, resetMs, remaining sql.NullInt64
	var apiKey, customEndpoint, modelMappingsJSON, statusLabel sql.NullString
	var pausedInt, autoFallbackInt, autoRefreshInt int

	err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &a.Credential.Kind, &a.Credential.RefreshToken, &a.Credential.AccessToken,
		&expiresAt, &apiKey, &a.CreatedAtMs, &a.Usage.RequestCount, &a.Usage.TotalRequests,
		&lastUsed, &sessionStart, &a.Usage.SessionRequestCount, &limitedUntil,
		&resetMs, &statusLabel, &remaining, &pausedInt, &a.Policy.Priority, &autoFallbackInt,
		&autoRefreshInt, &customEndpoint, &modelMappingsJSON,
	)
	if err != nil {
		return nil, err
	}

	a.Credential.ExpiresAtMs = expiresAt.Int64
	a.Credential.APIKey = apiKey.String
	a.Usage.LastUsedMs = lastUsed.Int64
	a.Usage.SessionStartMs = sessionStart.Int64
	a.RateLimit.LimitedUntilMs = limitedUntil.Int64
	a.RateLimit.ResetMs = resetMs.Int64
	a.RateLimit.StatusLabel = statusLabel.String
	a.RateLimit.Remaining = remaining.Int64
	a.RateLimit.HasRemaining = remaining.Valid
	a.Policy.Paused = pausedInt != 0
	a.Policy.AutoFallbackEnabled = autoFallbackInt != 0
	a.Policy.AutoRefreshEnabled = autoRefreshInt != 0
	a.Policy.CustomEndpoint = customEndpoint.String

	if modelMappingsJSON.Valid && modelMappingsJSON.String != "" {
		if err := json.Unmarshal([]byte(modelMappingsJSON.String), &a.Policy.ModelMappings); err != nil {
			return nil, fmt.Errorf("decode model_mappings: %w", err)
		}
	}
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY priority DESC, created_at_ms ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	a, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	mappingsJSON := "{}"
	if len(a.Policy.ModelMappings) > 0 {
		b, err := json.Marshal(a.Policy.ModelMappings)
		if err != nil {
			return fmt.Errorf("encode model_mappings: %w", err)
		}
		mappingsJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (`+accountCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Provider, a.Credential.Kind, a.Credential.RefreshToken, a.Credential.AccessToken,
		nullableInt64(a.Credential.ExpiresAtMs), nullableString(a.Credential.APIKey), a.CreatedAtMs,
		a.Usage.RequestCount, a.Usage.TotalRequests, nullableInt64(a.Usage.LastUsedMs),
		nullableInt64(a.Usage.SessionStartMs), a.Usage.SessionRequestCount,
		nullableInt64(a.RateLimit.LimitedUntilMs), nullableInt64(a.RateLimit.ResetMs),
		nullableString(a.RateLimit.StatusLabel), nullableRemaining(a.RateLimit),
		boolInt(a.Policy.Paused), a.Policy.Priority, boolInt(a.Policy.AutoFallbackEnabled),
		boolInt(a.Policy.AutoRefreshEnabled), nullableString(a.Policy.CustomEndpoint), mappingsJSON,
	)
	return err
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken string, expiresAtMs int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET access_token = ?, refresh_token = ?, expires_at_ms = ? WHERE id = ?",
		accessToken, refreshToken, nullableInt64(expiresAtMs), id)
	return err
}

func (s *SQLiteStore) UpdateUsage(ctx context.Context, id string, requestCount, totalRequests, lastUsedMs int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET request_count = ?, total_requests = ?, last_used_ms = ? WHERE id = ?",
		requestCount, totalRequests, nullableInt64(lastUsedMs), id)
	return err
}

func (s *SQLiteStore) UpdateSessionWindow(ctx context.Context, id string, sessionStartMs, sessionRequestCount int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET session_start_ms = ?, session_request_count = ? WHERE id = ?",
		nullableInt64(sessionStartMs), sessionRequestCount, id)
	return err
}

func (s *SQLiteStore) MarkRateLimited(ctx context.Context, id string, limitedUntilMs int64, statusLabel string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET limited_until_ms = ?, status_label = ? WHERE id = ?",
		nullableInt64(limitedUntilMs), nullableString(statusLabel), id)
	return err
}

func (s *SQLiteStore) ClearRateLimitIfExpired(ctx context.Context, id string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET limited_until_ms = NULL, status_label = NULL
		 WHERE id = ? AND limited_until_ms IS NOT NULL AND limited_until_ms <= ?`,
		id, nowMs)
	return err
}

func (s *SQLiteStore) UpdateRateLimitMeta(ctx context.Context, id string, resetMs int64, statusLabel string, remaining int64, hasRemaining bool) error {
	var remainingArg any
	if hasRemaining {
		remainingArg = remaining
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET reset_ms = ?, status_label = ?, remaining = ? WHERE id = ?",
		nullableInt64(resetMs), nullableString(statusLabel), remainingArg, id)
	return err
}

func (s *SQLiteStore) UpdatePolicy(ctx context.Context, id string, p Policy) error {
	mappingsJSON := "{}"
	if len(p.ModelMappings) > 0 {
		b, err := json.Marshal(p.ModelMappings)
		if err != nil {
			return fmt.Errorf("encode model_mappings: %w", err)
		}
		mappingsJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET paused = ?, priority = ?, auto_fallback_enabled = ?,
		 auto_refresh_enabled = ?, custom_endpoint = ?, model_mappings = ? WHERE id = ?`,
		boolInt(p.Paused), p.Priority, boolInt(p.AutoFallbackEnabled),
		boolInt(p.AutoRefreshEnabled), nullableString(p.CustomEndpoint), mappingsJSON, id)
	return err
}

func (s *SQLiteStore) PutOAuthSession(ctx context.Context, o *OAuthSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_sessions (id, account_name, provider, code_verifier, csrf_token, created_at_ms, expires_at_ms)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET account_name=excluded.account_name, provider=excluded.provider,
		   code_verifier=excluded.code_verifier, csrf_token=excluded.csrf_token,
		   created_at_ms=excluded.created_at_ms, expires_at_ms=excluded.expires_at_ms`,
		o.ID, o.AccountName, o.Provider, o.CodeVerifier, o.CSRFToken, o.CreatedAtMs, o.ExpiresAtMs)
	return err
}

func (s *SQLiteStore) GetOAuthSession(ctx context.Context, id string) (*OAuthSession, error) {
	var o OAuthSession
	err := s.db.QueryRowContext(ctx,
		"SELECT id, account_name, provider, code_verifier, csrf_token, created_at_ms, expires_at_ms FROM oauth_sessions WHERE id = ?", id).
		Scan(&o.ID, &o.AccountName, &o.Provider, &o.CodeVerifier, &o.CSRFToken, &o.CreatedAtMs, &o.ExpiresAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLiteStore) DeleteOAuthSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM oauth_sessions WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) PurgeExpiredOAuthSessions(ctx context.Context, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM oauth_sessions WHERE expires_at_ms <= ?", nowMs)
	return err
}

func (s *SQLiteStore) AppendRequestLog(ctx context.Context, e *RequestLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (account_id, model, status_code, input_tokens, output_tokens,
		 cache_read_tokens, cache_creation_tokens, cost_usd, created_at_ms) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.AccountID, e.Model, e.StatusCode, e.InputTokens, e.OutputTokens,
		e.CacheReadTokens, e.CacheCreationTokens, e.CostUSD, e.CreatedAtMs)
	return err
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	_, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at_ms < ?", cutoff)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRemaining(r RateLimit) any {
	if !r.HasRemaining {
		return nil
	}
	return r.Remaining
}
