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

// Zai targets Z.ai's Claude-compatible endpoint. Its 429 responses don't
// always carry a reset header, so the dispatcher falls back to parsing
// the response body, and absent both, defaults the reset 5 hours out.
type Zai struct {
	BaseURL string
}

func NewZai(baseURL string) *Zai {
	if baseURL == "" {
		baseURL = "https://api.z.ai/api/anthropic"
	}
	return &Zai{BaseURL: baseURL}
}

func (z *Zai) Name() string { return "zai" }

func (z *Zai) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/messages")
}

func (z *Zai) BuildURL(path, rawQuery string, cred AccountCredential) (string, error) {
	base := z.BaseURL
	if cred.CustomEndpoint != "" {
		base = cred.CustomEndpoint
	}
	return joinURL(base, path, rawQuery)
}

func (z *Zai) PrepareHeaders(reqHeaders http.Header, cred AccountCredential) http.Header {
	out := reqHeaders.Clone()
	out.Del("x-api-key")
	out.Del("authorization")
	out.Set("authorization", "Bearer "+cred.APIKey)
	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", "2023-06-01")
	}
	return out
}

func (z *Zai) ParseRateLimit(resp *http.Response) RateLimitInfo {
	info := RateLimitInfo{IsRateLimited: resp.StatusCode == http.StatusTooManyRequests}
	if !info.IsRateLimited {
		return info
	}
	info.StatusLabel = "rejected"
	if resetStr := resp.Header.Get("x-ratelimit-reset"); resetStr != "" {
		if secs, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			info.ResetMs = secs * 1000
		}
	}
	return info
}

func (z *Zai) IsStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("content-type"), "text/event-stream")
}

func (z *Zai) ProcessResponse(resp *http.Response) (*http.Response, error) {
	return resp, nil
}

func (z *Zai) ExtractTierInfo(resp *http.Response) (string, bool) { return "", false }

func (z *Zai) ExtractUsageInfo(body []byte) (UsageInfo, bool) {
	var payload struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
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

func (z *Zai) TransformRequestBody(body []byte) ([]byte, error) { return body, nil }

func (z *Zai) PrepareRequest(req *http.Request, body []byte, cred AccountCredential) error {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return nil
}

func (z *Zai) RefreshToken(refreshToken, clientID, tokenURL string) (TokenResponse, error) {
	return TokenResponse{}, fmt.Errorf("zai accounts never refresh")
}

// ParseRateLimitFromBody is consulted when a 429 carries no reset header.
// It reads a structured "retry_after" field (seconds), at the top level or
// under "error"; a free-text retry hint in error.message is not parsed.
// Absent both fields, the dispatcher applies the 5-hour default itself.
func (z *Zai) ParseRateLimitFromBody(body []byte) (RateLimitInfo, bool) {
	var structured struct {
		RetryAfterSec int64 `json:"retry_after"`
		Error         struct {
			RetryAfterSec int64 `json:"retry_after"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &structured); err == nil {
		secs := structured.RetryAfterSec
		if secs == 0 {
			secs = structured.Error.RetryAfterSec
		}
		if secs > 0 {
			return RateLimitInfo{
				IsRateLimited: true,
				StatusLabel:   "rejected",
				ResetMs:       time.Now().Add(time.Duration(secs) * time.Second).UnixMilli(),
			}, true
		}
	}
	return RateLimitInfo{}, false
}

// ZaiDefaultResetWindow is the fallback reset horizon the dispatcher
// applies when Zai rate-limits a request but reports no reset via either
// headers or body.
const ZaiDefaultResetWindow = 5 * time.Hour
