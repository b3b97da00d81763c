package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ccflare/proxy/internal/account"
)

func newTestScheduler() *Scheduler {
	return &Scheduler{
		lastRefreshedMs:  make(map[string]int64),
		consecutiveFails: make(map[string]int),
	}
}

func TestShouldRefreshNeverSeenIsTrue(t *testing.T) {
	s := newTestScheduler()
	acct := &account.Account{ID: "a1", ResetMs: time.Now().Add(time.Hour).UnixMilli()}

	assert.True(t, s.shouldRefresh(acct, time.Now().UnixMilli()))
}

func TestShouldRefreshAbsentWindowIsFalse(t *testing.T) {
	s := newTestScheduler()
	now := time.Now().UnixMilli()
	acct := &account.Account{ID: "a1", ResetMs: 0}

	s.lastRefreshedMs["a1"] = now
	assert.False(t, s.shouldRefresh(acct, now))
}

func TestShouldRefreshWindowAlreadyClosedIsTrue(t *testing.T) {
	s := newTestScheduler()
	now := time.Now().UnixMilli()
	acct := &account.Account{ID: "a1", ResetMs: now - 1000}

	s.lastRefreshedMs["a1"] = now
	assert.True(t, s.shouldRefresh(acct, now))
}

func TestShouldRefreshRolledOverPastMarkerIsTrue(t *testing.T) {
	s := newTestScheduler()
	now := time.Now().UnixMilli()
	marker := now + int64(time.Hour/time.Millisecond)
	acct := &account.Account{ID: "a1", ResetMs: marker + int64(time.Hour/time.Millisecond)}

	s.lastRefreshedMs["a1"] = marker
	assert.True(t, s.shouldRefresh(acct, now))
}

func TestShouldRefreshStaleMemoryIsTrue(t *testing.T) {
	s := newTestScheduler()
	now := time.Now().UnixMilli()
	staleMarker := now - 2*staleWindow.Milliseconds()
	acct := &account.Account{ID: "a1", ResetMs: staleMarker}

	s.lastRefreshedMs["a1"] = staleMarker
	assert.True(t, s.shouldRefresh(acct, now))
}

func TestShouldRefreshUnchangedFutureWindowIsFalse(t *testing.T) {
	s := newTestScheduler()
	now := time.Now().UnixMilli()
	marker := now + int64(time.Hour/time.Millisecond)
	acct := &account.Account{ID: "a1", ResetMs: marker}

	s.lastRefreshedMs["a1"] = marker
	assert.False(t, s.shouldRefresh(acct, now))
}

func TestEligibleRequiresAnthropicAndAutoRefresh(t *testing.T) {
	now := time.Now().UnixMilli()

	assert.False(t, eligible(&account.Account{AutoRefreshEnabled: false, Provider: "anthropic"}, now))
	assert.False(t, eligible(&account.Account{AutoRefreshEnabled: true, Provider: "zai"}, now))
	assert.True(t, eligible(&account.Account{AutoRefreshEnabled: true, Provider: "anthropic", ResetMs: 0}, now))
}

func TestRecordFailureCountsConsecutiveFailures(t *testing.T) {
	s := newTestScheduler()
	for i := 0; i < failureThreshold-1; i++ {
		s.recordFailure("a1")
	}
	assert.Equal(t, failureThreshold-1, s.consecutiveFails["a1"])
}
