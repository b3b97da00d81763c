package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ccflare/proxy/internal/account"
)

func TestOrderSortsByPriorityDescendingThenLastUsedAscending(t *testing.T) {
	p := NewPriority()
	candidates := []*account.Account{
		{ID: "low-priority", Priority: 1, LastUsedMs: 100},
		{ID: "high-priority-stale", Priority: 5, LastUsedMs: 500},
		{ID: "high-priority-fresh", Priority: 5, LastUsedMs: 10},
	}

	ordered := p.Order(RequestDescriptor{}, candidates)

	assert.Equal(t, "high-priority-fresh", ordered[0].ID)
	assert.Equal(t, "high-priority-stale", ordered[1].ID)
	assert.Equal(t, "low-priority", ordered[2].ID)
}

func TestOrderPinsBoundSessionFirst(t *testing.T) {
	p := NewPriority()
	candidates := []*account.Account{
		{ID: "a1", Priority: 10, LastUsedMs: 1},
		{ID: "a2", Priority: 1, LastUsedMs: 1},
	}
	p.Bind("session_abc", "a2")

	ordered := p.Order(RequestDescriptor{SessionKey: "session_abc", TimestampMs: time.Now().UnixMilli()}, candidates)

	assert.Equal(t, "a2", ordered[0].ID, "bound session should stay pinned despite lower priority")
}

func TestOrderIgnoresPinnedAccountIfPaused(t *testing.T) {
	p := NewPriority()
	candidates := []*account.Account{
		{ID: "a1", Priority: 10, LastUsedMs: 1},
		{ID: "a2", Priority: 1, LastUsedMs: 1, Paused: true},
	}
	p.Bind("session_abc", "a2")

	ordered := p.Order(RequestDescriptor{SessionKey: "session_abc", TimestampMs: time.Now().UnixMilli()}, candidates)

	assert.Equal(t, "a1", ordered[0].ID)
}

func TestOrderIgnoresPinnedAccountPastSessionWindow(t *testing.T) {
	p := NewPriority()
	now := time.Now().UnixMilli()
	candidates := []*account.Account{
		{ID: "a1", Priority: 10, LastUsedMs: 1},
		{ID: "a2", Priority: 1, LastUsedMs: 1, SessionStartMs: now - int64(6*time.Hour/time.Millisecond)},
	}
	p.Bind("session_abc", "a2")

	ordered := p.Order(RequestDescriptor{SessionKey: "session_abc", TimestampMs: now}, candidates)

	assert.Equal(t, "a1", ordered[0].ID)
}

func TestBindIgnoresEmptySessionKey(t *testing.T) {
	p := NewPriority()
	p.Bind("", "a1")

	_, ok := p.lookup("")
	assert.False(t, ok)
}
