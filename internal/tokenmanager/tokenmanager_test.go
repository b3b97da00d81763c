package tokenmanager

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/store"
)

// fakeOAuthAdapter lets tests control refresh outcomes without reaching
// out to a real upstream.
type fakeOAuthAdapter struct {
	name       string
	refreshErr error
	resp       provider.TokenResponse
	calls      int
}

func (f *fakeOAuthAdapter) Name() string                  { return f.name }
func (f *fakeOAuthAdapter) CanHandle(path string) bool    { return true }
func (f *fakeOAuthAdapter) BuildURL(path, rawQuery string, cred provider.AccountCredential) (string, error) {
	return path, nil
}
func (f *fakeOAuthAdapter) PrepareHeaders(h http.Header, cred provider.AccountCredential) http.Header {
	return h
}
func (f *fakeOAuthAdapter) ParseRateLimit(resp *http.Response) provider.RateLimitInfo {
	return provider.RateLimitInfo{}
}
func (f *fakeOAuthAdapter) IsStreamingResponse(resp *http.Response) bool { return false }
func (f *fakeOAuthAdapter) ProcessResponse(resp *http.Response) (*http.Response, error) {
	return resp, nil
}
func (f *fakeOAuthAdapter) ExtractTierInfo(resp *http.Response) (string, bool) { return "", false }
func (f *fakeOAuthAdapter) ExtractUsageInfo(body []byte) (provider.UsageInfo, bool) {
	return provider.UsageInfo{}, false
}
func (f *fakeOAuthAdapter) TransformRequestBody(body []byte) ([]byte, error) { return body, nil }
func (f *fakeOAuthAdapter) PrepareRequest(req *http.Request, body []byte, cred provider.AccountCredential) error {
	return nil
}
func (f *fakeOAuthAdapter) RefreshToken(refreshToken, clientID, tokenURL string) (provider.TokenResponse, error) {
	f.calls++
	if f.refreshErr != nil {
		return provider.TokenResponse{}, f.refreshErr
	}
	return f.resp, nil
}
func (f *fakeOAuthAdapter) ParseRateLimitFromBody(body []byte) (provider.RateLimitInfo, bool) {
	return provider.RateLimitInfo{}, false
}

func newTestTokenManager(t *testing.T, adapter *fakeOAuthAdapter, cfg Config) (*TokenManager, *account.AccountStore) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	accounts := account.NewAccountStore(s, account.NewCrypto("test-key"))
	registry := provider.NewRegistry()
	registry.Register(adapter)

	tm := New(accounts, registry, cfg, nil, nil)
	t.Cleanup(tm.Close)
	return tm, accounts
}

func TestGetValidAccessTokenStaticProviderReturnsAPIKey(t *testing.T) {
	tm, _ := newTestTokenManager(t, &fakeOAuthAdapter{name: "zai"}, Config{})
	acct := &account.Account{Provider: "zai", APIKey: "static-key"}

	tok, err := tm.GetValidAccessToken(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "static-key", tok)
}

func TestGetValidAccessTokenCachedTokenSkipsRefresh(t *testing.T) {
	adapter := &fakeOAuthAdapter{name: "fake-oauth"}
	cfg := Config{SafetyWindow: time.Minute, Backoff: time.Minute, FailureTTL: time.Hour, MaxFailureRecords: 10, MaxBackoffRetries: 3}
	tm, _ := newTestTokenManager(t, adapter, cfg)

	acct := &account.Account{
		Provider:    "fake-oauth",
		AccessToken: "still-valid",
		ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli(),
	}

	tok, err := tm.GetValidAccessToken(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "still-valid", tok)
	assert.Equal(t, 0, adapter.calls, "a token outside the safety window should never trigger a refresh")
}

func TestGetValidAccessTokenRefreshesExpiredOAuthToken(t *testing.T) {
	adapter := &fakeOAuthAdapter{
		name: "fake-oauth",
		resp: provider.TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresInSec: 3600},
	}
	cfg := Config{SafetyWindow: time.Minute, Backoff: time.Minute, FailureTTL: time.Hour, MaxFailureRecords: 10, MaxBackoffRetries: 3}
	tm, accounts := newTestTokenManager(t, adapter, cfg)

	ctx := context.Background()
	created, err := accounts.Create(ctx, "acct-1", "fake-oauth", store.CredentialOAuth, "old-refresh", "", 1)
	require.NoError(t, err)

	tok, err := tm.GetValidAccessToken(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)

	found, err := accounts.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", found.RefreshToken)
}

func TestGetValidAccessTokenBacksOffAfterFailure(t *testing.T) {
	adapter := &fakeOAuthAdapter{name: "fake-oauth", refreshErr: errors.New("upstream rejected refresh")}
	cfg := Config{SafetyWindow: time.Minute, Backoff: time.Hour, FailureTTL: time.Hour, MaxFailureRecords: 10, MaxBackoffRetries: 3}
	tm, accounts := newTestTokenManager(t, adapter, cfg)

	ctx := context.Background()
	created, err := accounts.Create(ctx, "acct-1", "fake-oauth", store.CredentialOAuth, "old-refresh", "", 1)
	require.NoError(t, err)

	_, err = tm.GetValidAccessToken(ctx, created)
	assert.Error(t, err)

	_, err = tm.GetValidAccessToken(ctx, created)
	assert.ErrorIs(t, err, ErrServiceUnavailable, "a second attempt within the backoff window must fail fast without calling the adapter again")
	assert.Equal(t, 1, adapter.calls)
}

func TestGetValidAccessTokenNoRefreshTokenFails(t *testing.T) {
	adapter := &fakeOAuthAdapter{name: "fake-oauth"}
	cfg := Config{SafetyWindow: time.Minute, Backoff: time.Minute, FailureTTL: time.Hour, MaxFailureRecords: 10, MaxBackoffRetries: 3}
	tm, _ := newTestTokenManager(t, adapter, cfg)

	acct := &account.Account{Provider: "fake-oauth"}

	_, err := tm.GetValidAccessToken(context.Background(), acct)
	assert.Error(t, err)
}
