package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Anthropic is the primary adapter: Claude's OAuth + API-key accounts
// talking to the /v1/messages surface.
type Anthropic struct {
	BaseURL string
}

func NewAnthropic(baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Anthropic{BaseURL: baseURL}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/messages") || strings.HasPrefix(path, "/v1/complete")
}

func (a *Anthropic) BuildURL(path, rawQuery string, cred AccountCredential) (string, error) {
	base := a.BaseURL
	if cred.CustomEndpoint != "" {
		base = cred.CustomEndpoint
	}
	return joinURL(base, path, rawQuery)
}

func (a *Anthropic) PrepareHeaders(reqHeaders http.Header, cred AccountCredential) http.Header {
	out := reqHeaders.Clone()
	out.Del("x-api-key")
	out.Del("authorization")
	if cred.AccessToken != "" {
		out.Set("authorization", "Bearer "+cred.AccessToken)
	} else if cred.APIKey != "" {
		out.Set("x-api-key", cred.APIKey)
	}
	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", "2023-06-01")
	}
	return out
}

func (a *Anthropic) ParseRateLimit(resp *http.Response) RateLimitInfo {
	info := RateLimitInfo{}
	status := resp.Header.Get("anthropic-ratelimit-unified-status")
	if status == "" {
		status = resp.Header.Get("anthropic-ratelimit-unified-5h-status")
	}
	info.StatusLabel = status
	info.IsRateLimited = resp.StatusCode == http.StatusTooManyRequests || status == "rejected"

	if resetStr := resp.Header.Get("anthropic-ratelimit-unified-reset"); resetStr != "" {
		if secs, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			info.ResetMs = secs * 1000
		} else if t, err := time.Parse(time.RFC3339, resetStr); err == nil {
			info.ResetMs = t.UnixMilli()
		}
	}

	if remStr := resp.Header.Get("anthropic-ratelimit-unified-remaining"); remStr != "" {
		if n, err := strconv.ParseInt(remStr, 10, 64); err == nil {
			info.Remaining = n
			info.HasRemaining = true
		}
	}
	return info
}

func (a *Anthropic) IsStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("content-type"), "text/event-stream")
}

func (a *Anthropic) ProcessResponse(resp *http.Response) (*http.Response, error) {
	return resp, nil
}

type anthropicOrgPayload struct {
	Organization struct {
		Tier string `json:"billing_tier"`
	} `json:"organization"`
}

func (a *Anthropic) ExtractTierInfo(resp *http.Response) (string, bool) {
	tier := resp.Header.Get("anthropic-organization-tier")
	if tier != "" {
		return tier, true
	}
	return "", false
}

func (a *Anthropic) ExtractUsageInfo(body []byte) (UsageInfo, bool) {
	var payload struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return UsageInfo{}, false
	}
	if payload.Usage.InputTokens == 0 && payload.Usage.OutputTokens == 0 {
		return UsageInfo{}, false
	}
	return UsageInfo{
		Model:               payload.Model,
		InputTokens:         payload.Usage.InputTokens,
		OutputTokens:        payload.Usage.OutputTokens,
		CacheReadTokens:     payload.Usage.CacheReadInputTokens,
		CacheCreationTokens: payload.Usage.CacheCreationInputTokens,
		HasUsage:            true,
	}, true
}

func (a *Anthropic) TransformRequestBody(body []byte) ([]byte, error) {
	return body, nil
}

func (a *Anthropic) PrepareRequest(req *http.Request, body []byte, cred AccountCredential) error {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return nil
}

func (a *Anthropic) RefreshToken(refreshToken, clientID, tokenURL string) (TokenResponse, error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
	})

	req, err := http.NewRequest(http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TokenResponse{}, fmt.Errorf("oauth refresh returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return TokenResponse{}, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("empty access_token in refresh response")
	}
	return TokenResponse{AccessToken: parsed.AccessToken, RefreshToken: parsed.RefreshToken, ExpiresInSec: parsed.ExpiresIn}, nil
}

func (a *Anthropic) ParseRateLimitFromBody(body []byte) (RateLimitInfo, bool) {
	return RateLimitInfo{}, false
}
