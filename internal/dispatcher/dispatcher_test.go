package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/events"
	"github.com/ccflare/proxy/internal/forwarder"
	"github.com/ccflare/proxy/internal/postprocessor"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/sink"
	"github.com/ccflare/proxy/internal/store"
	"github.com/ccflare/proxy/internal/strategy"
	"github.com/ccflare/proxy/internal/tokenmanager"
)

func TestSessionKeyFromBodyExtractsSessionID(t *testing.T) {
	body := map[string]any{
		"metadata": map[string]any{
			"user_id": "user_123_account_xyz_session_abc-123-def",
		},
	}
	assert.Equal(t, "session_abc-123-def", sessionKeyFromBody(body))
}

func TestSessionKeyFromBodyMissingMetadataReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", sessionKeyFromBody(map[string]any{}))
}

func TestExtractSystemTextFromString(t *testing.T) {
	body := map[string]any{"system": "You are a helpful assistant."}
	assert.Equal(t, "You are a helpful assistant.", extractSystemText(body))
}

func TestExtractSystemTextFromBlockArray(t *testing.T) {
	body := map[string]any{
		"system": []any{
			map[string]any{"type": "text", "text": "Part one."},
			map[string]any{"type": "text", "text": "Part two."},
		},
	}
	assert.Contains(t, extractSystemText(body), "Part one.")
	assert.Contains(t, extractSystemText(body), "Part two.")
}

func TestStripThinkingBlocksRemovesThinkingAndDropsEmptyMessages(t *testing.T) {
	body := map[string]any{
		"thinking": map[string]any{"type": "enabled"},
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "thinking", "signature": "bad"},
				},
			},
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "text", "text": "hello"},
				},
			},
		},
	}

	out := stripThinkingBlocks(body)

	_, hasThinking := out["thinking"]
	assert.False(t, hasThinking)

	messages := out["messages"].([]any)
	assert.Len(t, messages, 1, "message left with no content after stripping should be dropped")

	kept := messages[0].(map[string]any)
	content := kept["content"].([]any)
	assert.Len(t, content, 1)
}

type stubAdapter struct {
	name    string
	baseURL string
}

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) CanHandle(path string) bool { return true }
func (s *stubAdapter) BuildURL(path, rawQuery string, cred provider.AccountCredential) (string, error) {
	return s.baseURL + path, nil
}
func (s *stubAdapter) PrepareHeaders(h http.Header, cred provider.AccountCredential) http.Header {
	return h
}
func (s *stubAdapter) ParseRateLimit(resp *http.Response) provider.RateLimitInfo {
	return provider.RateLimitInfo{}
}
func (s *stubAdapter) IsStreamingResponse(resp *http.Response) bool { return false }
func (s *stubAdapter) ProcessResponse(resp *http.Response) (*http.Response, error) {
	return resp, nil
}
func (s *stubAdapter) ExtractTierInfo(resp *http.Response) (string, bool) { return "", false }
func (s *stubAdapter) ExtractUsageInfo(body []byte) (provider.UsageInfo, bool) {
	return provider.UsageInfo{}, false
}
func (s *stubAdapter) TransformRequestBody(body []byte) ([]byte, error) { return body, nil }
func (s *stubAdapter) PrepareRequest(req *http.Request, body []byte, cred provider.AccountCredential) error {
	return nil
}
func (s *stubAdapter) RefreshToken(refreshToken, clientID, tokenURL string) (provider.TokenResponse, error) {
	return provider.TokenResponse{}, fmt.Errorf("stub adapter %s has no OAuth flow", s.name)
}
func (s *stubAdapter) ParseRateLimitFromBody(body []byte) (provider.RateLimitInfo, bool) {
	return provider.RateLimitInfo{}, false
}

type fakeClients struct{}

func (fakeClients) GetClient(acct *account.Account) *http.Client { return &http.Client{} }

// newMultiProviderDispatcher wires two accounts against two distinct
// providers, each backed by its own httptest server that stamps its
// identity into the response so a misrouted request is observable.
func newMultiProviderDispatcher(t *testing.T) (*Dispatcher, *httptest.Server, *httptest.Server, *account.Account, *account.Account) {
	t.Helper()

	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "provider-a")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"served_by":"provider-a"}`))
	}))
	t.Cleanup(serverA.Close)

	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "provider-b")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"served_by":"provider-b"}`))
	}))
	t.Cleanup(serverB.Close)

	registry := provider.NewRegistry()
	registry.Register(&stubAdapter{name: "zai", baseURL: serverA.URL})
	registry.Register(&stubAdapter{name: "openai-compatible", baseURL: serverB.URL})

	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	accounts := account.NewAccountStore(s, account.NewCrypto("test-key"))
	ctx := context.Background()
	acctA, err := accounts.Create(ctx, "acct-a", "zai", store.CredentialAPIKey, "", "key-a", 10)
	require.NoError(t, err)
	acctB, err := accounts.Create(ctx, "acct-b", "openai-compatible", store.CredentialAPIKey, "", "key-b", 5)
	require.NoError(t, err)

	tokens := tokenmanager.New(accounts, registry, tokenmanager.Config{
		SafetyWindow: time.Minute, Backoff: time.Minute, FailureTTL: time.Hour,
		MaxFailureRecords: 10, MaxBackoffRetries: 3,
	}, nil, nil)
	t.Cleanup(tokens.Close)

	writer := sink.NewAsyncDbWriter()
	t.Cleanup(writer.Shutdown)
	pp := postprocessor.New(registry, accounts, writer, time.Minute, nil)
	ppCtx, ppCancel := context.WithCancel(context.Background())
	go pp.Run(ppCtx)
	t.Cleanup(ppCancel)

	bus := events.NewBus(50)
	fwd := forwarder.New(pp, bus)

	d := &Dispatcher{
		accounts:       accounts,
		registry:       registry,
		tokens:         tokens,
		strategy:       strategy.NewPriority(),
		forward:        fwd,
		transport:      fakeClients{},
		unauthedClient: &http.Client{},
		bus:            bus,
	}

	return d, serverA, serverB, acctA, acctB
}

func TestServeHTTPRoutesEachAccountThroughItsOwnProviderAdapter(t *testing.T) {
	d, _, _, acctA, acctB := newMultiProviderDispatcher(t)

	for _, tc := range []struct {
		acct         *account.Account
		wantUpstream string
	}{
		{acctA, "provider-a"},
		{acctB, "provider-b"},
	} {
		body := strings.NewReader(`{"model":"m","messages":[]}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
		req.Header.Set(ForceAccountHeader, tc.acct.ID)
		rec := httptest.NewRecorder()

		d.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tc.wantUpstream, rec.Header().Get("X-Upstream"),
			"account %s must be dispatched through its own provider's adapter, not whichever adapter FindForPath happened to resolve first", tc.acct.ID)
	}
}

func TestServeHTTPFailsOverToNextAccountOnUpstreamError(t *testing.T) {
	d, serverA, _, _, acctB := newMultiProviderDispatcher(t)
	serverA.Close() // account a's upstream is now unreachable

	body := strings.NewReader(`{"model":"m","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	rec := httptest.NewRecorder()

	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "provider-b", rec.Header().Get("X-Upstream"),
		"a broken first account must fail over to the next candidate rather than aborting the request")
	_ = acctB
}
