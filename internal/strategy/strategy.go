// Package strategy orders candidate accounts for a request. The
// specification leaves ordering unspecified beyond one guarantee: a
// stable, selected account keeps serving a client's "session" until
// rate-limited or the session ends.
package strategy

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ccflare/proxy/internal/account"
)

// RequestDescriptor is the subset of an incoming request a Strategy may
// use to decide ordering.
type RequestDescriptor struct {
	ID          string
	Method      string
	Path        string
	TimestampMs int64
	Headers     http.Header
	SessionKey  string // derived from a sticky header/cookie, may be empty
}

// Strategy orders candidate accounts for one request.
type Strategy interface {
	Order(req RequestDescriptor, candidates []*account.Account) []*account.Account
}

// sessionWindow is how long an account keeps affinity for a given
// session key once selected, mirroring the account's own
// sessionStartMs/sessionRequestCount fields.
const sessionWindow = 5 * time.Hour

// Priority is the default Strategy: session-sticky accounts are pinned
// first (if still within their window and not paused/rate-limited), then
// the remaining pool is sorted by policy priority descending and
// last-used ascending, so idle high-priority accounts are preferred.
type Priority struct {
	mu       sync.Mutex
	sessions map[string]string // session key → account id
}

func NewPriority() *Priority {
	return &Priority{sessions: make(map[string]string)}
}

func (p *Priority) Order(req RequestDescriptor, candidates []*account.Account) []*account.Account {
	byID := make(map[string]*account.Account, len(candidates))
	for _, a := range candidates {
		byID[a.ID] = a
	}

	var pinned *account.Account
	if req.SessionKey != "" {
		if id, ok := p.lookup(req.SessionKey); ok {
			if a, ok := byID[id]; ok && available(a, req.TimestampMs) {
				pinned = a
			}
		}
	}

	pool := make([]*account.Account, 0, len(candidates))
	for _, a := range candidates {
		if pinned != nil && a.ID == pinned.ID {
			continue
		}
		pool = append(pool, a)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Priority != pool[j].Priority {
			return pool[i].Priority > pool[j].Priority
		}
		return pool[i].LastUsedMs < pool[j].LastUsedMs
	})

	if pinned == nil {
		return pool
	}
	return append([]*account.Account{pinned}, pool...)
}

// Bind records that sessionKey is now served by accountID, called by the
// dispatcher once an attempt against accountID succeeds.
func (p *Priority) Bind(sessionKey, accountID string) {
	if sessionKey == "" {
		return
	}
	p.mu.Lock()
	p.sessions[sessionKey] = accountID
	p.mu.Unlock()
}

func (p *Priority) lookup(sessionKey string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.sessions[sessionKey]
	return id, ok
}

func available(a *account.Account, nowMs int64) bool {
	if a.Paused {
		return false
	}
	if a.LimitedUntilMs > 0 && a.LimitedUntilMs > nowMs {
		return false
	}
	if a.SessionStartMs > 0 && nowMs-a.SessionStartMs > sessionWindow.Milliseconds() {
		return false
	}
	return true
}
