// Package dispatcher orchestrates a single client request end to end:
// validate, buffer, intercept, select accounts, attempt each in turn,
// and hand the result to the ResponseForwarder.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/events"
	"github.com/ccflare/proxy/internal/forwarder"
	"github.com/ccflare/proxy/internal/headercodec"
	"github.com/ccflare/proxy/internal/metrics"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/strategy"
	"github.com/ccflare/proxy/internal/tokenmanager"
	"github.com/ccflare/proxy/internal/transport"
)

// ForceAccountHeader pins the request to one account, bypassing Strategy.
const ForceAccountHeader = "x-better-ccflare-account-id"

// BypassSessionHeader suppresses session-tracking updates while still
// counting the request; used by the AutoRefreshScheduler's warm-ups.
const BypassSessionHeader = "x-better-ccflare-bypass-session"

// thinkingSignatureErr matches the two Claude-family 400 messages the
// thinking-block retry applies to.
var thinkingSignatureErr = regexp.MustCompile("(?i)Invalid `signature` in `thinking` block|final `assistant` message must start with a thinking block")

// clientProvider is satisfied by *transport.Manager; tests substitute a
// fake to avoid paying for the per-account TLS-fingerprinted transport.
type clientProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// Dispatcher is the per-request orchestrator.
type Dispatcher struct {
	accounts *account.AccountStore
	registry *provider.Registry
	tokens   *tokenmanager.TokenManager
	strategy strategy.Strategy
	forward  *forwarder.ResponseForwarder
	baseDirs []string
	metrics  *metrics.Metrics
	bus      *events.Bus

	transport      clientProvider
	unauthedClient *http.Client
}

func New(accounts *account.AccountStore, registry *provider.Registry, tokens *tokenmanager.TokenManager, strat strategy.Strategy, fwd *forwarder.ResponseForwarder, tm *transport.Manager, requestTimeout time.Duration, m *metrics.Metrics, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		accounts:       accounts,
		registry:       registry,
		tokens:         tokens,
		strategy:       strat,
		forward:        fwd,
		baseDirs:       defaultBaseDirs(),
		metrics:        m,
		bus:            bus,
		transport:      tm,
		unauthedClient: &http.Client{Timeout: requestTimeout},
	}
}

// ServeHTTP is the entrypoint the server routes POST /v1/messages and
// POST /v1/complete to; a path no registered adapter claims is rejected
// as a validation error.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	requestID := uuid.New().String()
	startedAt := time.Now()

	adapter, ok := d.registry.FindForPath(req.URL.Path)
	if !ok {
		writeDispatchError(w, newDispatchError(KindValidation, "no provider handles this path", nil))
		return
	}

	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		writeDispatchError(w, newDispatchError(KindValidation, "failed to read request body", err))
		return
	}
	req.Body.Close()

	var parsed map[string]any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &parsed); err != nil {
			writeDispatchError(w, newDispatchError(KindValidation, "invalid JSON body", err))
			return
		}
	}
	if parsed == nil {
		parsed = map[string]any{}
	}

	model, _ := parsed["model"].(string)
	isStream, _ := parsed["stream"].(bool)

	agentUsed := d.applyAgentInterception(parsed)

	forcedID := req.Header.Get(ForceAccountHeader)
	bypassSession := strings.EqualFold(req.Header.Get(BypassSessionHeader), "true")

	candidates, err := d.selectCandidates(ctx, forcedID)
	if err != nil {
		slog.Error("account load failed, degrading to unauthenticated forwarding", "error", redactForLog(err))
		d.forwardUnauthenticated(w, req, adapter, requestID, rawBody, isStream)
		return
	}

	if len(candidates) == 0 {
		d.forwardUnauthenticated(w, req, adapter, requestID, rawBody, isStream)
		return
	}

	sessionKey := sessionKeyFromBody(parsed)
	desc := strategy.RequestDescriptor{
		ID:          requestID,
		Method:      req.Method,
		Path:        req.URL.Path,
		TimestampMs: time.Now().UnixMilli(),
		Headers:     req.Header,
		SessionKey:  sessionKey,
	}

	var ordered []*account.Account
	if forcedID != "" {
		ordered = candidates
	} else {
		ordered = d.strategy.Order(desc, candidates)
	}

	var lastErr error
	attempts := 0
	for _, acct := range ordered {
		attempts++

		acctAdapter, ok := d.registry.Get(acct.Provider)
		if !ok {
			lastErr = fmt.Errorf("no adapter registered for provider %q (account %s)", acct.Provider, acct.ID)
			continue
		}

		resp, retriedModel, done, attemptErr := d.attempt(ctx, acct, acctAdapter, parsed, rawBody, req, model, isStream)
		if attemptErr != nil {
			lastErr = attemptErr
			d.observeFailover("error")
			continue
		}
		if !done {
			// Rate-limited; move to next account.
			d.observeFailover("rate_limited")
			continue
		}

		if p, ok := d.strategy.(*strategy.Priority); ok {
			p.Bind(sessionKey, acct.ID)
		}

		info := forwarder.RequestInfo{
			RequestID:        requestID,
			AccountID:        acct.ID,
			Method:           req.Method,
			Path:             req.URL.Path,
			TimestampMs:      desc.TimestampMs,
			ReqHeaders:       req.Header,
			ReqBody:          rawBody,
			ProviderName:     acctAdapter.Name(),
			AgentUsed:        agentUsed,
			FailoverAttempts: attempts - 1,
			BypassSession:    bypassSession,
		}
		_ = retriedModel
		final := d.forward.Forward(info, resp, isStream)
		d.observeRequest(acctAdapter.Name(), final.StatusCode, isStream, startedAt)
		copyResponse(w, final)
		return
	}

	if lastErr != nil {
		slog.Error("all dispatch attempts failed", "requestId", requestID, "error", redactForLog(lastErr))
	}
	derr := newDispatchError(KindServiceUnavailable, "no available accounts", lastErr)
	derr.Attempt = attempts
	writeDispatchError(w, derr)
}

func (d *Dispatcher) observeRequest(providerName string, statusCode int, isStream bool, startedAt time.Time) {
	if d.metrics == nil {
		return
	}
	statusClass := fmt.Sprintf("%dxx", statusCode/100)
	d.metrics.RequestsTotal.WithLabelValues(providerName, statusClass, strconv.FormatBool(isStream)).Inc()
	d.metrics.RequestDuration.WithLabelValues(providerName).Observe(time.Since(startedAt).Seconds())
}

func (d *Dispatcher) observeFailover(reason string) {
	if d.metrics != nil {
		d.metrics.FailoverTotal.WithLabelValues(reason).Inc()
	}
}

// attempt performs one full account attempt, including the Claude-family
// thinking-block retry. done=false means the caller should try the next
// account (rate-limited); a non-nil error means the same.
func (d *Dispatcher) attempt(ctx context.Context, acct *account.Account, adapter provider.Adapter, body map[string]any, rawBody []byte, clientReq *http.Request, model string, isStream bool) (*http.Response, string, bool, error) {
	accessToken, err := d.tokens.GetValidAccessToken(ctx, acct)
	if err != nil {
		return nil, "", false, fmt.Errorf("token for account %s: %w", acct.ID, err)
	}

	cred := provider.AccountCredential{
		AccessToken:    accessToken,
		APIKey:         acct.APIKey,
		CustomEndpoint: acct.CustomEndpoint,
	}

	resp, err := d.send(ctx, acct, adapter, cred, body, clientReq, isStream)
	if err != nil {
		return nil, "", false, fmt.Errorf("upstream request to account %s: %w", acct.ID, err)
	}

	if adapter.Name() == "anthropic" && resp.StatusCode == http.StatusBadRequest {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if thinkingSignatureErr.Match(errBody) {
			retried := stripThinkingBlocks(body)
			resp2, err2 := d.send(ctx, acct, adapter, cred, retried, clientReq, isStream)
			if err2 == nil {
				resp = resp2
			} else {
				resp = replayBody(http.StatusBadRequest, errBody, resp.Header)
			}
		} else {
			resp = replayBody(http.StatusBadRequest, errBody, resp.Header)
		}
	}

	rl := adapter.ParseRateLimit(resp)
	if resp.StatusCode == http.StatusTooManyRequests && rl.ResetMs == 0 {
		if body2, rerr := io.ReadAll(resp.Body); rerr == nil {
			resp.Body.Close()
			resp = replayBody(resp.StatusCode, body2, resp.Header)
			if fromBody, ok := adapter.ParseRateLimitFromBody(body2); ok {
				rl = fromBody
			}
		}
	}
	d.applyRateLimitSideEffects(ctx, acct, rl)

	if tier, ok := adapter.ExtractTierInfo(resp); ok {
		_ = d.accounts.UpdateTier(ctx, acct.ID, account.Tier(tier))
	}

	if rl.IsRateLimited {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, "", false, nil
	}

	processed, err := adapter.ProcessResponse(resp)
	if err != nil {
		return nil, "", false, fmt.Errorf("process response for account %s: %w", acct.ID, err)
	}
	return processed, model, true, nil
}

func (d *Dispatcher) send(ctx context.Context, acct *account.Account, adapter provider.Adapter, cred provider.AccountCredential, body map[string]any, clientReq *http.Request, isStream bool) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if transformed, terr := adapter.TransformRequestBody(encoded); terr == nil {
		encoded = transformed
	}

	upstreamURL, err := adapter.BuildURL(clientReq.URL.Path, clientReq.URL.RawQuery, cred)
	if err != nil {
		return nil, err
	}

	upReq, err := http.NewRequestWithContext(ctx, clientReq.Method, upstreamURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	upReq.Header = headercodec.SanitizeRequest(clientReq.Header.Clone())
	for k, vals := range adapter.PrepareHeaders(upReq.Header, cred) {
		upReq.Header[k] = vals
	}
	if isStream {
		upReq.Header.Set("Accept", "text/event-stream")
	}
	if err := adapter.PrepareRequest(upReq, encoded, cred); err != nil {
		return nil, err
	}

	return d.transport.GetClient(acct).Do(upReq)
}

func (d *Dispatcher) applyRateLimitSideEffects(ctx context.Context, acct *account.Account, rl provider.RateLimitInfo) {
	now := time.Now().UnixMilli()
	if rl.IsRateLimited {
		resetMs := rl.ResetMs
		if resetMs == 0 {
			resetMs = now + int64((5 * time.Hour).Milliseconds())
		}
		_ = d.accounts.MarkRateLimited(ctx, acct.ID, resetMs)
	} else {
		_ = d.accounts.ClearRateLimitedIfExpired(ctx, acct.ID)
	}
	if rl.StatusLabel != "" {
		_ = d.accounts.UpdateRateLimitMeta(ctx, acct.ID, rl.StatusLabel, rl.ResetMs, rl.Remaining, rl.HasRemaining)
	}
	if d.metrics != nil {
		v := 0.0
		if rl.IsRateLimited {
			v = 1
		}
		d.metrics.RateLimitedGauge.WithLabelValues(acct.ID).Set(v)
	}
	if rl.IsRateLimited && d.bus != nil {
		d.bus.Publish(events.Event{Type: events.EventRateLimit, AccountID: acct.ID, Message: rl.StatusLabel})
	}
}

func (d *Dispatcher) selectCandidates(ctx context.Context, forcedID string) ([]*account.Account, error) {
	if forcedID != "" {
		acct, err := d.accounts.FindByID(ctx, forcedID)
		if err != nil {
			return nil, fmt.Errorf("load forced account: %w", err)
		}
		if acct == nil {
			return nil, nil
		}
		return []*account.Account{acct}, nil
	}

	all, err := d.accounts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*account.Account, 0, len(all))
	for _, a := range all {
		if a.Paused {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// forwardUnauthenticated handles the no-accounts-configured fallback:
// one straight-through attempt to the default adapter base URL with no
// credential attached.
func (d *Dispatcher) forwardUnauthenticated(w http.ResponseWriter, req *http.Request, adapter provider.Adapter, requestID string, rawBody []byte, isStream bool) {
	upstreamURL, err := adapter.BuildURL(req.URL.Path, req.URL.RawQuery, provider.AccountCredential{})
	if err != nil {
		writeDispatchError(w, newDispatchError(KindProvider, "unauthenticated forward failed", err))
		return
	}
	upReq, err := http.NewRequestWithContext(req.Context(), req.Method, upstreamURL, bytes.NewReader(rawBody))
	if err != nil {
		writeDispatchError(w, newDispatchError(KindProvider, "unauthenticated forward failed", err))
		return
	}
	upReq.Header = headercodec.SanitizeRequest(req.Header.Clone())

	resp, err := d.unauthedClient.Do(upReq)
	if err != nil {
		writeDispatchError(w, newDispatchError(KindProvider, "upstream unreachable", err))
		return
	}

	info := forwarder.RequestInfo{
		RequestID:   requestID,
		Method:      req.Method,
		Path:        req.URL.Path,
		TimestampMs: time.Now().UnixMilli(),
		ReqHeaders:  req.Header,
		ReqBody:     rawBody,
	}
	final := d.forward.Forward(info, resp, isStream)
	copyResponse(w, final)
}

func (d *Dispatcher) applyAgentInterception(body map[string]any) (agentUsed string) {
	defer func() {
		// Interception errors are swallowed; the original body is
		// forwarded either way since every step here only mutates body
		// in place on success.
		if r := recover(); r != nil {
			slog.Warn("agent interception panicked, forwarding original body", "recover", r)
			agentUsed = ""
		}
	}()

	systemPrompt := extractSystemText(body)
	if systemPrompt == "" {
		return ""
	}

	result := interceptAgent(systemPrompt, d.baseDirs)
	if result.RewrittenModel != "" {
		body["model"] = result.RewrittenModel
	}
	if len(result.SafeDirectories) > 0 {
		slog.Debug("agent directories discovered", "agent", result.AgentName, "dirs", result.SafeDirectories)
	}
	return result.AgentName
}

func extractSystemText(body map[string]any) string {
	switch s := body["system"].(type) {
	case string:
		return s
	case []any:
		var b strings.Builder
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					b.WriteString(text)
					b.WriteByte(' ')
				}
			}
		}
		return b.String()
	}
	return ""
}

// stripThinkingBlocks removes thinking blocks from assistant messages
// and drops any message left with no content, for the one-time retry
// after a signature-validation 400.
func stripThinkingBlocks(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	delete(out, "thinking")

	messages, ok := out["messages"].([]any)
	if !ok {
		return out
	}
	filtered := make([]any, 0, len(messages))
	for _, msg := range messages {
		m, ok := msg.(map[string]any)
		if !ok {
			filtered = append(filtered, msg)
			continue
		}
		content, ok := m["content"].([]any)
		if !ok {
			filtered = append(filtered, msg)
			continue
		}
		keep := make([]any, 0, len(content))
		for _, block := range content {
			if b, ok := block.(map[string]any); ok && b["type"] == "thinking" {
				continue
			}
			keep = append(keep, block)
		}
		if len(keep) == 0 {
			continue
		}
		m["content"] = keep
		filtered = append(filtered, m)
	}
	out["messages"] = filtered
	return out
}

func replayBody(status int, body []byte, header http.Header) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	flusher, canFlush := w.(http.Flusher)
	w.WriteHeader(resp.StatusCode)
	if canFlush {
		flusher.Flush()
	}
	io.Copy(w, resp.Body)
	resp.Body.Close()
}

// sessionKeyFromBody derives a session affinity key from the request's
// metadata.user_id, mirroring the teacher's session-UUID extraction.
var sessionUUIDPattern = regexp.MustCompile(`session_[a-zA-Z0-9-]+`)

func sessionKeyFromBody(body map[string]any) string {
	metadata, ok := body["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	uid, ok := metadata["user_id"].(string)
	if !ok {
		return ""
	}
	return sessionUUIDPattern.FindString(uid)
}
