// Package health classifies each account's long-lived refresh credential
// by age into health bands and keeps the last report available for
// serving, refreshed on a cron tick shared with AutoRefreshScheduler and
// again after every scheduler cycle.
package health

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/metrics"
	"github.com/ccflare/proxy/internal/store"
)

type Status string

const (
	Healthy       Status = "Healthy"
	Warning       Status = "Warning"
	Critical      Status = "Critical"
	Expired       Status = "Expired"
	NoRefresh     Status = "NoRefreshToken"
	dayMs         int64  = 24 * 60 * 60 * 1000
	warningDays          = 7
	criticalDays         = 3
	staleAgeDays         = 60
)

type AccountHealth struct {
	AccountID             string
	Status                Status
	AgeDays               *int
	DaysUntilExpiration   *int
	RequiresReauth        bool
	Message               string
}

type Summary struct {
	Total          int
	Healthy        int
	Warning        int
	Critical       int
	Expired        int
	NoRefreshToken int
	RequiresReauth int
}

type Report struct {
	GeneratedAtMs int64
	PerAccount    []AccountHealth
	Summary       Summary
}

// Monitor computes and caches HealthReports. It has no loop of its own:
// the caller registers RunOnce against the shared AutoRefreshScheduler
// cron on a separate tick and also fires it once per scheduler cycle.
type Monitor struct {
	accounts *account.AccountStore
	maxAge   time.Duration
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	latest *Report
}

func New(accounts *account.AccountStore, maxAge time.Duration, m *metrics.Metrics) *Monitor {
	return &Monitor{accounts: accounts, maxAge: maxAge, metrics: m}
}

// RunOnce recomputes the report immediately; registered on the shared
// cron tick and again after each AutoRefreshScheduler cycle.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	accts, err := m.accounts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	now := time.Now().UnixMilli()
	report := &Report{GeneratedAtMs: now}
	for _, a := range accts {
		row := classify(a, now, m.maxAge)
		report.PerAccount = append(report.PerAccount, row)
		report.Summary.Total++
		if row.RequiresReauth {
			report.Summary.RequiresReauth++
		}
		switch row.Status {
		case Healthy:
			report.Summary.Healthy++
		case Warning:
			report.Summary.Warning++
		case Critical:
			report.Summary.Critical++
		case Expired:
			report.Summary.Expired++
		case NoRefresh:
			report.Summary.NoRefreshToken++
		}
		if m.metrics != nil {
			for _, s := range []Status{Healthy, Warning, Critical, Expired, NoRefresh} {
				v := 0.0
				if row.Status == s {
					v = 1
				}
				m.metrics.AccountHealth.WithLabelValues(a.ID, string(s)).Set(v)
			}
		}
	}

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()
	return report, nil
}

func (m *Monitor) Latest() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func classify(a *account.Account, nowMs int64, maxAge time.Duration) AccountHealth {
	row := AccountHealth{AccountID: a.ID}

	if a.CredentialKind == store.CredentialAPIKey {
		row.Status = NoRefresh
		row.Message = "api-key account, no refresh credential"
		return row
	}
	if a.RefreshToken == "" {
		row.Status = NoRefresh
		row.RequiresReauth = true
		row.Message = "oauth account missing a refresh token"
		return row
	}
	if a.CreatedAtMs == 0 {
		row.Status = Warning
		row.RequiresReauth = true
		row.Message = "unknown credential age"
		return row
	}

	ageMs := nowMs - a.CreatedAtMs
	ageDays := int(ageMs / dayMs)
	daysUntilExpiration := int(math.Ceil(float64(a.CreatedAtMs+maxAge.Milliseconds()-nowMs) / float64(dayMs)))
	row.AgeDays = &ageDays
	row.DaysUntilExpiration = &daysUntilExpiration

	switch {
	case daysUntilExpiration <= 0:
		row.Status = Expired
		row.RequiresReauth = true
		row.Message = "refresh credential has exceeded its maximum age"
	case daysUntilExpiration <= criticalDays:
		row.Status = Critical
		row.RequiresReauth = true
		row.Message = "refresh credential expires within 3 days"
	case daysUntilExpiration <= warningDays:
		row.Status = Warning
		row.Message = "refresh credential expires within 7 days"
	case ageDays > staleAgeDays:
		row.Status = Warning
		row.Message = "refresh credential is over 60 days old"
	default:
		row.Status = Healthy
	}
	return row
}
