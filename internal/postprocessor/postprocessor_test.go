package postprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/metrics"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/sink"
	"github.com/ccflare/proxy/internal/store"
)

func newTestPostProcessor(t *testing.T, orphanTimeout time.Duration) (*PostProcessor, *account.AccountStore, *account.Account, *metrics.Metrics) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	accounts := account.NewAccountStore(s, account.NewCrypto("test-key"))
	registry := provider.NewRegistry()
	registry.Register(provider.NewAnthropic(""))

	ctx := context.Background()
	acct, err := accounts.Create(ctx, "acct-1", "anthropic", store.CredentialOAuth, "refresh", "", 1)
	require.NoError(t, err)

	writer := sink.NewAsyncDbWriter()
	m := metrics.New(prometheus.NewRegistry())
	p := New(registry, accounts, writer, orphanTimeout, m)

	ppCtx, cancel := context.WithCancel(context.Background())
	go p.Run(ppCtx)
	t.Cleanup(cancel)

	return p, accounts, acct, m
}

func TestStartUpdatesAccountUsageCounters(t *testing.T) {
	p, accounts, acct, _ := newTestPostProcessor(t, time.Hour)

	p.Emit(Start{RequestID: "req-1", AccountID: acct.ID, Method: "POST", Path: "/v1/messages", ProviderName: "anthropic"})
	p.Shutdown()

	found, err := accounts.FindByID(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), found.RequestCount)
	assert.Equal(t, int64(1), found.TotalRequests)
}

func TestEndExtractsUsageFromNonStreamingBody(t *testing.T) {
	p, _, acct, m := newTestPostProcessor(t, time.Hour)

	p.Emit(Start{RequestID: "req-1", AccountID: acct.ID, ProviderName: "anthropic", RespStatus: 200})
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":10,"cache_creation_input_tokens":5}}`)
	p.Emit(End{RequestID: "req-1", Success: true, RespBody: body})
	p.Shutdown()

	assert.Equal(t, 100.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues(acct.ID, "input")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues(acct.ID, "output")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues(acct.ID, "cache_read")))
	assert.Greater(t, testutil.ToFloat64(m.CostUSDTotal.WithLabelValues(acct.ID)), 0.0)
}

func TestDuplicateEndIsIdempotent(t *testing.T) {
	p, _, acct, m := newTestPostProcessor(t, time.Hour)

	p.Emit(Start{RequestID: "req-1", AccountID: acct.ID, ProviderName: "anthropic", RespStatus: 200})
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":100,"output_tokens":50}}`)
	p.Emit(End{RequestID: "req-1", Success: true, RespBody: body})
	p.Emit(End{RequestID: "req-1", Success: true, RespBody: body})
	p.Shutdown()

	assert.Equal(t, 100.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues(acct.ID, "input")),
		"a second End for an already-finished request must be a no-op, not double-count usage")
}

func TestOrphanTimeoutEvictsAndFinishesRequest(t *testing.T) {
	orphanTimeout := 30 * time.Millisecond
	p, _, acct, m := newTestPostProcessor(t, orphanTimeout)

	p.Emit(Start{RequestID: "req-orphan", AccountID: acct.ID, ProviderName: "anthropic", IsStream: true})
	p.Emit(Chunk{RequestID: "req-orphan", Bytes: []byte("data: {\"message\":{\"model\":\"claude-3-5-sonnet-20241022\",\"usage\":{\"input_tokens\":70,\"output_tokens\":30}}}\n")})

	require.Eventually(t, func() bool {
		return p.requests.ItemCount() == 0
	}, time.Second, 5*time.Millisecond, "orphaned request state must be evicted once no End arrives within the orphan timeout")

	assert.Greater(t, testutil.ToFloat64(m.CostUSDTotal.WithLabelValues(acct.ID)), 0.0,
		"eviction must synthesize the missing End and persist whatever usage had accumulated from chunks")

	p.Shutdown()
}
