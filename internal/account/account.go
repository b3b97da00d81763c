// Package account implements AccountStore: a read-through view over
// accounts persisted in internal/store, with credential material
// decrypted on the way out and re-encrypted on the way in.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ccflare/proxy/internal/store"
)

// Tier labels the plan tier ccflare has observed for an account, surfaced
// by providers that report it (e.g. Anthropic's rate-limit headers).
type Tier string

// Account is the in-memory, decrypted view of one upstream credential.
// TokenManager is the sole mutator of AccessToken/ExpiresAtMs at runtime;
// every other field flows one-way from the store.
type Account struct {
	ID          string
	Name        string
	Provider    string
	CreatedAtMs int64

	CredentialKind store.CredentialKind
	RefreshToken   string // decrypted; empty for apikey accounts
	AccessToken    string // decrypted; OAuth only
	ExpiresAtMs    int64  // 0 means absent
	APIKey         string // decrypted; apikey accounts only

	RequestCount        int64
	TotalRequests       int64
	LastUsedMs          int64
	SessionStartMs      int64
	SessionRequestCount int64

	LimitedUntilMs int64
	ResetMs        int64
	StatusLabel    string
	Remaining      int64
	HasRemaining   bool

	Tier Tier

	Paused              bool
	Priority            int
	AutoFallbackEnabled bool
	AutoRefreshEnabled  bool
	CustomEndpoint      string
	ModelMappings       map[string]string
}

// RequestUsage is the per-call token accounting reported by the
// postprocessor once a response finishes.
type RequestUsage struct {
	Model               string
	StatusCode          int
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

// AccountStore is the read-through accessor described by the
// specification: listAll/findById hit SQLite on every call (a single
// local process, single SQLite connection — no cache staleness to
// manage), while the mutators write straight through so a read that
// follows a same-process update always observes it.
type AccountStore struct {
	store  store.Store
	crypto *Crypto
}

func NewAccountStore(s store.Store, c *Crypto) *AccountStore {
	return &AccountStore{store: s, crypto: c}
}

func (as *AccountStore) ListAll(ctx context.Context) ([]*Account, error) {
	rows, err := as.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*Account, 0, len(rows))
	for _, r := range rows {
		a, err := as.decrypt(r)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", r.ID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (as *AccountStore) FindByID(ctx context.Context, id string) (*Account, error) {
	row, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return as.decrypt(row)
}

// Create persists a new account. Accounts are otherwise created and
// destroyed by an external operator surface (CLI or dashboard); this is
// the boundary that surface calls into.
func (as *AccountStore) Create(ctx context.Context, name, provider string, credentialKind store.CredentialKind, refreshToken, apiKey string, priority int) (*Account, error) {
	id := uuid.New().String()

	encRefresh, err := as.crypto.Encrypt(refreshToken, SaltRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	encAPIKey, err := as.crypto.Encrypt(apiKey, SaltAPIKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}

	row := &store.Account{
		ID:          id,
		Name:        name,
		Provider:    provider,
		CreatedAtMs: time.Now().UnixMilli(),
		Credential: store.Credential{
			Kind:         credentialKind,
			RefreshToken: encRefresh,
			APIKey:       encAPIKey,
		},
		Policy: store.Policy{
			Priority:            priority,
			AutoFallbackEnabled: true,
			AutoRefreshEnabled:  true,
		},
	}
	if err := as.store.CreateAccount(ctx, row); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return as.decrypt(row)
}

func (as *AccountStore) Delete(ctx context.Context, id string) error {
	return as.store.DeleteAccount(ctx, id)
}

// UpdateTokens persists a new access/refresh token pair after a
// TokenManager-driven refresh.
func (as *AccountStore) UpdateTokens(ctx context.Context, id, accessToken string, expiresAtMs int64, refreshToken string) error {
	encAccess, err := as.crypto.Encrypt(accessToken, SaltAccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var encRefresh string
	if refreshToken != "" {
		encRefresh, err = as.crypto.Encrypt(refreshToken, SaltRefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	} else {
		// Preserve the existing refresh token: Anthropic's refresh grant
		// doesn't always rotate it.
		cur, err := as.store.GetAccount(ctx, id)
		if err != nil {
			return fmt.Errorf("read current account: %w", err)
		}
		if cur != nil {
			encRefresh = cur.Credential.RefreshToken
		}
	}
	return as.store.UpdateTokens(ctx, id, encAccess, encRefresh, expiresAtMs)
}

// UpdateUsage bumps the request counters and last-used timestamp; called
// once per dispatched request.
func (as *AccountStore) UpdateUsage(ctx context.Context, id string) error {
	row, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	if row == nil {
		return fmt.Errorf("account %s not found", id)
	}
	now := time.Now().UnixMilli()
	return as.store.UpdateUsage(ctx, id, row.Usage.RequestCount+1, row.Usage.TotalRequests+1, now)
}

// UpdateSessionSafe advances the sticky-session window. When
// bypassSession is true (the request carried the bypass-session header)
// the window is left untouched.
func (as *AccountStore) UpdateSessionSafe(ctx context.Context, id string, bypassSession bool) error {
	if bypassSession {
		return nil
	}
	row, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	if row == nil {
		return fmt.Errorf("account %s not found", id)
	}
	now := time.Now().UnixMilli()
	start := row.Usage.SessionStartMs
	if start == 0 {
		start = now
	}
	return as.store.UpdateSessionWindow(ctx, id, start, row.Usage.SessionRequestCount+1)
}

func (as *AccountStore) MarkRateLimited(ctx context.Context, id string, untilMs int64) error {
	return as.store.MarkRateLimited(ctx, id, untilMs, "rate_limited")
}

func (as *AccountStore) ClearRateLimitedIfExpired(ctx context.Context, id string) error {
	return as.store.ClearRateLimitIfExpired(ctx, id, time.Now().UnixMilli())
}

func (as *AccountStore) UpdateRateLimitMeta(ctx context.Context, id, status string, resetMs int64, remaining int64, hasRemaining bool) error {
	return as.store.UpdateRateLimitMeta(ctx, id, resetMs, status, remaining, hasRemaining)
}

// DisableAutoRefresh turns off the scheduler's warm-up loop for an
// account, used when a warm-up draws HTTP 401 and re-authentication is
// required.
func (as *AccountStore) DisableAutoRefresh(ctx context.Context, id string) error {
	row, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	if row == nil {
		return fmt.Errorf("account %s not found", id)
	}
	p := row.Policy
	p.AutoRefreshEnabled = false
	return as.store.UpdatePolicy(ctx, id, p)
}

// UpdateTier records the plan tier a provider's response revealed for an
// account; stashed in the custom_endpoint-adjacent policy blob since the
// schema carries no dedicated column for a value that is advisory only.
func (as *AccountStore) UpdateTier(ctx context.Context, id string, tier Tier) error {
	row, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	if row == nil {
		return fmt.Errorf("account %s not found", id)
	}
	mappings := row.Policy.ModelMappings
	if mappings == nil {
		mappings = make(map[string]string)
	}
	mappings["__tier"] = string(tier)
	p := row.Policy
	p.ModelMappings = mappings
	return as.store.UpdatePolicy(ctx, id, p)
}

// UpdateRequestUsage is invoked once per completed request with the
// token counts the postprocessor accumulated; persistence is delegated
// to the async writer upstream of this call in internal/sink, so this
// method itself stays a single fast write.
func (as *AccountStore) UpdateRequestUsage(ctx context.Context, accountID string, usage RequestUsage) error {
	return as.store.AppendRequestLog(ctx, &store.RequestLogEntry{
		AccountID:           accountID,
		Model:               usage.Model,
		StatusCode:          usage.StatusCode,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CostUSD:             usage.CostUSD,
		CreatedAtMs:         time.Now().UnixMilli(),
	})
}

func (as *AccountStore) decrypt(row *store.Account) (*Account, error) {
	refresh, err := as.crypto.Decrypt(row.Credential.RefreshToken, SaltRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	access, err := as.crypto.Decrypt(row.Credential.AccessToken, SaltAccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	apiKey, err := as.crypto.Decrypt(row.Credential.APIKey, SaltAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}

	var tier Tier
	mappings := row.Policy.ModelMappings
	if mappings != nil {
		if t, ok := mappings["__tier"]; ok {
			tier = Tier(t)
		}
	}

	return &Account{
		ID:                  row.ID,
		Name:                row.Name,
		Provider:            row.Provider,
		CreatedAtMs:         row.CreatedAtMs,
		CredentialKind:      row.Credential.Kind,
		RefreshToken:        refresh,
		AccessToken:         access,
		ExpiresAtMs:         row.Credential.ExpiresAtMs,
		APIKey:              apiKey,
		RequestCount:        row.Usage.RequestCount,
		TotalRequests:       row.Usage.TotalRequests,
		LastUsedMs:          row.Usage.LastUsedMs,
		SessionStartMs:      row.Usage.SessionStartMs,
		SessionRequestCount: row.Usage.SessionRequestCount,
		LimitedUntilMs:      row.RateLimit.LimitedUntilMs,
		ResetMs:             row.RateLimit.ResetMs,
		StatusLabel:         row.RateLimit.StatusLabel,
		Remaining:           row.RateLimit.Remaining,
		HasRemaining:        row.RateLimit.HasRemaining,
		Tier:                tier,
		Paused:              row.Policy.Paused,
		Priority:            row.Policy.Priority,
		AutoFallbackEnabled: row.Policy.AutoFallbackEnabled,
		AutoRefreshEnabled:  row.Policy.AutoRefreshEnabled,
		CustomEndpoint:      row.Policy.CustomEndpoint,
		ModelMappings:       row.Policy.ModelMappings,
	}, nil
}
