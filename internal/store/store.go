// Package store persists accounts, pending OAuth authorization sessions,
// and a bounded request log behind a single embedded SQLite connection.
package store

import (
	"context"
	"time"
)

// CredentialKind distinguishes the two ways an account authenticates
// upstream.
type CredentialKind string

const (
	CredentialOAuth  CredentialKind = "oauth"
	CredentialAPIKey CredentialKind = "apikey"
)

// Credential is encrypted at rest; RefreshToken/AccessToken/APIKey here
// are ciphertext as stored, decrypted on demand by the caller.
type Credential struct {
	Kind         CredentialKind
	RefreshToken string
	AccessToken  string
	ExpiresAtMs  int64 // 0 means absent
	APIKey       string
}

type Usage struct {
	RequestCount        int64
	TotalRequests       int64
	LastUsedMs          int64 // 0 means absent
	SessionStartMs      int64 // 0 means absent
	SessionRequestCount int64
}

type RateLimit struct {
	LimitedUntilMs int64 // 0 means absent
	ResetMs        int64 // 0 means absent
	StatusLabel    string
	Remaining      int64
	HasRemaining   bool
}

type Policy struct {
	Paused              bool
	Priority            int
	AutoFallbackEnabled bool
	AutoRefreshEnabled  bool
	CustomEndpoint      string
	ModelMappings       map[string]string
}

// Account is the full persisted shape of one upstream account.
type Account struct {
	ID          string
	Name        string
	Provider    string
	Credential  Credential
	CreatedAtMs int64
	Usage       Usage
	RateLimit   RateLimit
	Policy      Policy
}

// OAuthSession is a pending authorization-code exchange, keyed by its own
// id; the CSRF token is validated separately against the state value the
// provider echoes back.
type OAuthSession struct {
	ID           string
	AccountName  string
	Provider     string
	CodeVerifier string
	CSRFToken    string
	CreatedAtMs  int64
	ExpiresAtMs  int64
}

// RequestLogEntry is one summarized upstream call, written asynchronously
// by the postprocessor after a response completes.
type RequestLogEntry struct {
	AccountID           string
	Model               string
	StatusCode          int
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	CreatedAtMs         int64
}

// Store is the persistence boundary used by AccountStore and
// OAuthSessionStore (and by the server's /health ping). A single
// SQLite-backed implementation is provided by New.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	ListAccounts(ctx context.Context) ([]*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccount(ctx context.Context, acct *Account) error
	DeleteAccount(ctx context.Context, id string) error

	UpdateTokens(ctx context.Context, id string, accessToken, refreshToken string, expiresAtMs int64) error
	UpdateUsage(ctx context.Context, id string, requestCount, totalRequests, lastUsedMs int64) error
	UpdateSessionWindow(ctx context.Context, id string, sessionStartMs, sessionRequestCount int64) error
	MarkRateLimited(ctx context.Context, id string, limitedUntilMs int64, statusLabel string) error
	ClearRateLimitIfExpired(ctx context.Context, id string, nowMs int64) error
	UpdateRateLimitMeta(ctx context.Context, id string, resetMs int64, statusLabel string, remaining int64, hasRemaining bool) error
	UpdatePolicy(ctx context.Context, id string, p Policy) error

	PutOAuthSession(ctx context.Context, s *OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*OAuthSession, error)
	DeleteOAuthSession(ctx context.Context, id string) error
	PurgeExpiredOAuthSessions(ctx context.Context, nowMs int64) error

	AppendRequestLog(ctx context.Context, e *RequestLogEntry) error
	PurgeOldLogs(ctx context.Context, olderThan time.Duration) error
}
