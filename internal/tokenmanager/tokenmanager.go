// Package tokenmanager returns a valid upstream access credential for an
// account, deduplicating concurrent refreshes and enforcing backoff on
// failure.
package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/events"
	"github.com/ccflare/proxy/internal/metrics"
	"github.com/ccflare/proxy/internal/provider"
)

// ErrServiceUnavailable signals that no account credential could be
// produced because the account is in backoff and no fresh token surfaced
// from the store.
var ErrServiceUnavailable = errors.New("token manager: account in refresh backoff")

// Config carries the tunables named in the specification's token
// lifecycle section.
type Config struct {
	SafetyWindow      time.Duration
	Backoff           time.Duration
	FailureTTL        time.Duration
	MaxFailureRecords int
	MaxBackoffRetries int
	OAuthClientID     string
	OAuthTokenURL     string
}

type failureRecord struct {
	at      time.Time
	attempt int
}

// TokenManager implements the specification's getValidAccessToken
// contract: non-OAuth providers return their static key untouched; OAuth
// accounts are refreshed through the provider adapter with
// singleflight-based deduplication, a per-account failure backoff, and a
// bounded failure-map janitor.
type TokenManager struct {
	accounts *account.AccountStore
	registry *provider.Registry
	cfg      Config
	metrics  *metrics.Metrics
	bus      *events.Bus

	group singleflight.Group

	mu       sync.Mutex
	failures map[string]failureRecord

	janitorCancel context.CancelFunc
}

func New(accounts *account.AccountStore, registry *provider.Registry, cfg Config, m *metrics.Metrics, bus *events.Bus) *TokenManager {
	tm := &TokenManager{
		accounts: accounts,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		bus:      bus,
		failures: make(map[string]failureRecord),
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm.janitorCancel = cancel
	go tm.runJanitor(ctx)
	return tm
}

func (tm *TokenManager) Close() {
	tm.janitorCancel()
}

// GetValidAccessToken is the public contract named in the specification:
// the value to place in the auth header for this account.
func (tm *TokenManager) GetValidAccessToken(ctx context.Context, acct *account.Account) (string, error) {
	switch acct.Provider {
	case "openai-compatible", "zai":
		if acct.APIKey != "" {
			return acct.APIKey, nil
		}
		return acct.RefreshToken, nil
	}

	now := time.Now().UnixMilli()
	if acct.AccessToken != "" && acct.ExpiresAtMs > 0 && acct.ExpiresAtMs-now > tm.cfg.SafetyWindow.Milliseconds() {
		return acct.AccessToken, nil
	}

	return tm.refreshSafe(ctx, acct)
}

func (tm *TokenManager) refreshSafe(ctx context.Context, acct *account.Account) (string, error) {
	tm.mu.Lock()
	if rec, ok := tm.failures[acct.ID]; ok && time.Since(rec.at) < tm.cfg.Backoff {
		rec.attempt++
		tm.failures[acct.ID] = rec
		tm.mu.Unlock()

		if rec.attempt%tm.cfg.MaxBackoffRetries == 0 {
			fresh, err := tm.accounts.FindByID(ctx, acct.ID)
			if err == nil && fresh != nil && fresh.AccessToken != "" && fresh.AccessToken != acct.AccessToken &&
				fresh.ExpiresAtMs > time.Now().UnixMilli() {
				tm.clearFailure(acct.ID)
				return fresh.AccessToken, nil
			}
		}
		return "", ErrServiceUnavailable
	}
	tm.mu.Unlock()

	result, err, _ := tm.group.Do(acct.ID, func() (any, error) {
		return tm.doRefresh(ctx, acct)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, acct *account.Account) (string, error) {
	adapter, ok := tm.registry.Get(acct.Provider)
	if !ok {
		tm.recordFailure(acct.ID)
		return "", fmt.Errorf("no adapter registered for provider %q", acct.Provider)
	}
	if acct.RefreshToken == "" {
		tm.recordFailure(acct.ID)
		return "", fmt.Errorf("account %s has no refresh token", acct.ID)
	}

	slog.Info("refreshing access token", "accountId", acct.ID)
	resp, err := adapter.RefreshToken(acct.RefreshToken, tm.cfg.OAuthClientID, tm.cfg.OAuthTokenURL)
	if err != nil {
		tm.recordFailure(acct.ID)
		tm.publishRefresh(acct.ID, "failed", err.Error())
		slog.Error("token refresh failed", "accountId", acct.ID, "error", err)
		return "", fmt.Errorf("refresh token: %w", err)
	}

	expiresAtMs := time.Now().Add(time.Duration(resp.ExpiresInSec) * time.Second).UnixMilli()
	if err := tm.accounts.UpdateTokens(ctx, acct.ID, resp.AccessToken, expiresAtMs, resp.RefreshToken); err != nil {
		tm.recordFailure(acct.ID)
		tm.publishRefresh(acct.ID, "failed", err.Error())
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	tm.clearFailure(acct.ID)
	tm.publishRefresh(acct.ID, "success", "")
	slog.Info("access token refreshed", "accountId", acct.ID, "expiresInSec", resp.ExpiresInSec)
	return resp.AccessToken, nil
}

func (tm *TokenManager) publishRefresh(accountID, outcome, message string) {
	if tm.metrics != nil {
		tm.metrics.RefreshTotal.WithLabelValues(outcome).Inc()
	}
	if tm.bus != nil {
		if message == "" {
			message = "token refreshed"
		}
		tm.bus.Publish(events.Event{Type: events.EventRefresh, AccountID: accountID, Message: message})
	}
}

func (tm *TokenManager) recordFailure(accountID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.failures[accountID]; !exists && len(tm.failures) >= tm.cfg.MaxFailureRecords {
		tm.evictOldestLocked()
	}
	rec := tm.failures[accountID]
	rec.at = time.Now()
	tm.failures[accountID] = rec
}

func (tm *TokenManager) clearFailure(accountID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.failures, accountID)
}

// evictOldestLocked drops the oldest failure record to enforce the
// MAX_FAILURE_RECORDS cap. Called with tm.mu held.
func (tm *TokenManager) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, v := range tm.failures {
		if oldestKey == "" || v.at.Before(oldestAt) {
			oldestKey = k
			oldestAt = v.at
		}
	}
	if oldestKey != "" {
		delete(tm.failures, oldestKey)
	}
}

func (tm *TokenManager) runJanitor(ctx context.Context) {
	interval := tm.cfg.FailureTTL / 10
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.sweep()
		}
	}
}

func (tm *TokenManager) sweep() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cutoff := time.Now().Add(-tm.cfg.FailureTTL)
	for k, v := range tm.failures {
		if v.at.Before(cutoff) {
			delete(tm.failures, k)
		}
	}
}
