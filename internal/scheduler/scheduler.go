// Package scheduler implements AutoRefreshScheduler: a periodic loop
// that detects rolled-over rate-limit windows and issues synthetic
// warm-up requests back through the proxy's own endpoint.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/provider"
)

const failureThreshold = 5
const staleWindow = 24 * time.Hour

// warmUpModels is tried in order until one does not 404, since not
// every account's tier has every model enabled.
var warmUpModels = []string{
	"claude-3-5-haiku-20241022",
	"claude-3-haiku-20240307",
}

const warmUpPrompt = "Reply with the single word: ready."

// Scheduler runs one cycle at a time; a tick that arrives while the
// previous cycle is still running is dropped, never queued, via cron's
// SkipIfStillRunning chain.
type Scheduler struct {
	accounts  *account.AccountStore
	registry  *provider.Registry
	proxyBase string

	mu               sync.Mutex
	lastRefreshedMs  map[string]int64
	consecutiveFails map[string]int

	cron   *cron.Cron
	client *http.Client

	onCycleComplete func()
}

func New(accounts *account.AccountStore, registry *provider.Registry, proxyBase string, tick time.Duration, onCycleComplete func()) *Scheduler {
	s := &Scheduler{
		accounts:         accounts,
		registry:         registry,
		proxyBase:        proxyBase,
		lastRefreshedMs:  make(map[string]int64),
		consecutiveFails: make(map[string]int),
		client:           &http.Client{Timeout: 30 * time.Second},
		onCycleComplete:  onCycleComplete,
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", tick)
	if _, err := s.cron.AddFunc(spec, s.runCycle); err != nil {
		slog.Error("scheduler: failed to register cycle", "error", err)
	}
	return s
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { <-s.cron.Stop().Done() }

// Schedule registers another periodic job on this scheduler's cron
// instance, wrapped in the same SkipIfStillRunning chain as the refresh
// cycle. HealthMonitor's periodic report uses this instead of running
// its own ticker loop.
func (s *Scheduler) Schedule(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	return err
}

func (s *Scheduler) runCycle() {
	ctx := context.Background()
	s.gc(ctx)

	accts, err := s.accounts.ListAll(ctx)
	if err != nil {
		slog.Error("scheduler: list accounts failed", "error", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, a := range accts {
		if !eligible(a, now) {
			continue
		}
		if !s.shouldRefresh(a, now) {
			continue
		}
		s.sendWarmUp(ctx, a)
	}

	if s.onCycleComplete != nil {
		s.onCycleComplete()
	}
}

func eligible(a *account.Account, nowMs int64) bool {
	if !a.AutoRefreshEnabled || a.Provider != "anthropic" {
		return false
	}
	return a.ResetMs == 0 || a.ResetMs <= nowMs || a.ResetMs < nowMs-staleWindow.Milliseconds()
}

// shouldRefresh implements the window-detection monotonicity property:
// true iff never refreshed, the window has closed, the window rolled
// over past what we last remembered, or our memory of it is stale.
func (s *Scheduler) shouldRefresh(a *account.Account, nowMs int64) bool {
	s.mu.Lock()
	marker, seen := s.lastRefreshedMs[a.ID]
	s.mu.Unlock()

	if !seen {
		return true
	}
	if a.ResetMs == 0 {
		return false
	}
	if a.ResetMs <= nowMs {
		return true
	}
	if a.ResetMs > marker {
		return true
	}
	if a.ResetMs < nowMs-staleWindow.Milliseconds() {
		return true
	}
	return false
}

func (s *Scheduler) gc(ctx context.Context) {
	accts, err := s.accounts.ListAll(ctx)
	if err != nil {
		return
	}
	live := make(map[string]bool, len(accts))
	for _, a := range accts {
		if a.AutoRefreshEnabled {
			live[a.ID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastRefreshedMs {
		if !live[id] {
			delete(s.lastRefreshedMs, id)
		}
	}
	for id := range s.consecutiveFails {
		if !live[id] {
			delete(s.consecutiveFails, id)
		}
	}
}

func (s *Scheduler) sendWarmUp(ctx context.Context, a *account.Account) {
	adapter, ok := s.registry.Get(a.Provider)
	if !ok {
		return
	}

	var resp *http.Response
	var err error
	for _, model := range warmUpModels {
		body, _ := json.Marshal(map[string]any{
			"model":      model,
			"max_tokens": 10,
			"messages":   []map[string]string{{"role": "user", "content": warmUpPrompt}},
		})

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.proxyBase, "/")+"/v1/messages", bytes.NewReader(body))
		if reqErr != nil {
			err = reqErr
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")
		req.Header.Set("x-better-ccflare-account-id", a.ID)
		req.Header.Set("x-better-ccflare-bypass-session", "true")

		resp, err = s.client.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusNotFound {
			break
		}
		resp.Body.Close()
	}

	if err != nil || resp == nil {
		s.recordFailure(a.ID)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		slog.Error("auto-refresh disabled: manual re-authentication required", "accountId", a.ID, "accountName", a.Name)
		if derr := s.accounts.DisableAutoRefresh(ctx, a.ID); derr != nil {
			slog.Error("failed to disable auto-refresh", "accountId", a.ID, "error", derr)
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		rl := adapter.ParseRateLimit(resp)
		if rl.ResetMs > 0 {
			_ = s.accounts.UpdateRateLimitMeta(ctx, a.ID, rl.StatusLabel, rl.ResetMs, rl.Remaining, rl.HasRemaining)
			s.mu.Lock()
			s.lastRefreshedMs[a.ID] = rl.ResetMs
			s.mu.Unlock()
		}
		s.mu.Lock()
		s.consecutiveFails[a.ID] = 0
		s.mu.Unlock()
	default:
		s.recordFailure(a.ID)
	}

	io.Copy(io.Discard, resp.Body)
}

func (s *Scheduler) recordFailure(accountID string) {
	s.mu.Lock()
	s.consecutiveFails[accountID]++
	n := s.consecutiveFails[accountID]
	s.mu.Unlock()

	if n >= failureThreshold {
		slog.Error("auto-refresh needs attention: repeated warm-up failures", "accountId", accountID, "consecutiveFailures", n)
	}
}
