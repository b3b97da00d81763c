package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAICompatible targets any provider speaking the OpenAI chat-completions
// wire format through a per-account custom endpoint. These accounts are
// always ApiKey-credentialed; TokenManager never refreshes them.
type OpenAICompatible struct{}

func NewOpenAICompatible() *OpenAICompatible { return &OpenAICompatible{} }

func (o *OpenAICompatible) Name() string { return "openai-compatible" }

func (o *OpenAICompatible) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/chat/completions") || strings.HasPrefix(path, "/v1/messages")
}

func (o *OpenAICompatible) BuildURL(path, rawQuery string, cred AccountCredential) (string, error) {
	if cred.CustomEndpoint == "" {
		return "", fmt.Errorf("openai-compatible account has no customEndpoint")
	}
	return joinURL(cred.CustomEndpoint, path, rawQuery)
}

func (o *OpenAICompatible) PrepareHeaders(reqHeaders http.Header, cred AccountCredential) http.Header {
	out := reqHeaders.Clone()
	out.Del("x-api-key")
	out.Del("authorization")
	out.Set("authorization", "Bearer "+cred.APIKey)
	return out
}

func (o *OpenAICompatible) ParseRateLimit(resp *http.Response) RateLimitInfo {
	info := RateLimitInfo{IsRateLimited: resp.StatusCode == http.StatusTooManyRequests}
	if info.IsRateLimited {
		info.StatusLabel = "rejected"
	}
	return info
}

func (o *OpenAICompatible) IsStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("content-type"), "text/event-stream")
}

func (o *OpenAICompatible) ProcessResponse(resp *http.Response) (*http.Response, error) {
	return resp, nil
}

func (o *OpenAICompatible) ExtractTierInfo(resp *http.Response) (string, bool) { return "", false }

func (o *OpenAICompatible) ExtractUsageInfo(body []byte) (UsageInfo, bool) {
	var payload struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || (payload.Usage.PromptTokens == 0 && payload.Usage.CompletionTokens == 0) {
		return UsageInfo{}, false
	}
	return UsageInfo{
		Model:        payload.Model,
		InputTokens:  payload.Usage.PromptTokens,
		OutputTokens: payload.Usage.CompletionTokens,
		HasUsage:     true,
	}, true
}

func (o *OpenAICompatible) TransformRequestBody(body []byte) ([]byte, error) { return body, nil }

func (o *OpenAICompatible) PrepareRequest(req *http.Request, body []byte, cred AccountCredential) error {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return nil
}

func (o *OpenAICompatible) RefreshToken(refreshToken, clientID, tokenURL string) (TokenResponse, error) {
	return TokenResponse{}, fmt.Errorf("openai-compatible accounts never refresh")
}

func (o *OpenAICompatible) ParseRateLimitFromBody(body []byte) (RateLimitInfo, bool) {
	return RateLimitInfo{}, false
}
