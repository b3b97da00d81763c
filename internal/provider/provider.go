// Package provider defines the adapter boundary between the dispatcher
// and a specific upstream's wire format, and keeps a name-keyed registry
// so new providers register a single implementation.
package provider

import (
	"net/http"
	"net/url"
)

// RateLimitInfo is what an adapter can tell the dispatcher about an
// upstream response's rate-limit state.
type RateLimitInfo struct {
	IsRateLimited bool
	StatusLabel   string
	ResetMs       int64 // 0 means absent
	Remaining     int64
	HasRemaining  bool
}

// UsageInfo is the token accounting an adapter can extract from a
// non-streaming response or SSE payload fragment.
type UsageInfo struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	HasUsage            bool
}

// AccountCredential is the subset of account state an adapter needs to
// authenticate a request, passed by value so adapters can't mutate the
// account out from under the dispatcher.
type AccountCredential struct {
	AccessToken    string
	APIKey         string
	CustomEndpoint string
}

// TokenResponse is the normalized shape of an OAuth refresh/exchange
// result, independent of the upstream's exact JSON field names.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresInSec int
}

// Adapter is one upstream provider's wire-format knowledge. Optional
// operations return ok=false when the provider has nothing to say.
type Adapter interface {
	Name() string
	CanHandle(path string) bool
	BuildURL(path, rawQuery string, cred AccountCredential) (string, error)
	PrepareHeaders(reqHeaders http.Header, cred AccountCredential) http.Header
	ParseRateLimit(resp *http.Response) RateLimitInfo
	IsStreamingResponse(resp *http.Response) bool
	ProcessResponse(resp *http.Response) (*http.Response, error)

	ExtractTierInfo(resp *http.Response) (tier string, ok bool)
	ExtractUsageInfo(body []byte) (UsageInfo, bool)
	TransformRequestBody(body []byte) ([]byte, error)
	PrepareRequest(req *http.Request, body []byte, cred AccountCredential) error
	RefreshToken(refreshToken, clientID, tokenURL string) (TokenResponse, error)
	ParseRateLimitFromBody(body []byte) (RateLimitInfo, bool)
}

// Registry maps provider tags (the Account.Provider field) to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// FindForPath returns a registered adapter that claims it can handle
// path. Adapters are kept in a map, so when several claim the same path,
// which one is returned is not defined. Used when no account is yet
// selected (the unauthenticated straight-through attempt).
func (r *Registry) FindForPath(path string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.CanHandle(path) {
			return a, true
		}
	}
	return nil, false
}

func joinURL(base, path, rawQuery string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = joinPath(u.Path, path)
	u.RawQuery = rawQuery
	return u.String(), nil
}

func joinPath(base, suffix string) string {
	if base == "" {
		return suffix
	}
	if base[len(base)-1] == '/' && len(suffix) > 0 && suffix[0] == '/' {
		return base + suffix[1:]
	}
	return base + suffix
}
