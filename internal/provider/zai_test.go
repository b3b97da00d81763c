package provider

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestZaiParseRateLimitNotRateLimitedWhenStatusOK(t *testing.T) {
	z := NewZai("")
	resp := httptest.NewRecorder().Result()

	info := z.ParseRateLimit(resp)
	assert.False(t, info.IsRateLimited)
}

func TestZaiParseRateLimitOn429WithResetHeader(t *testing.T) {
	z := NewZai("")
	resp := httptest.NewRecorder().Result()
	resp.StatusCode = http.StatusTooManyRequests
	resp.Header.Set("x-ratelimit-reset", "1700000000")

	info := z.ParseRateLimit(resp)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, "rejected", info.StatusLabel)
	assert.Equal(t, int64(1700000000000), info.ResetMs)
}

func TestZaiParseRateLimitOn429WithoutResetHeader(t *testing.T) {
	z := NewZai("")
	resp := httptest.NewRecorder().Result()
	resp.StatusCode = http.StatusTooManyRequests

	info := z.ParseRateLimit(resp)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, int64(0), info.ResetMs)
}

func TestZaiParseRateLimitFromBodyTopLevelRetryAfter(t *testing.T) {
	z := NewZai("")
	before := time.Now()

	info, ok := z.ParseRateLimitFromBody([]byte(`{"retry_after":30}`))

	assert.True(t, ok)
	assert.True(t, info.IsRateLimited)
	expected := before.Add(30 * time.Second).UnixMilli()
	assert.InDelta(t, expected, info.ResetMs, 2000)
}

func TestZaiParseRateLimitFromBodyNestedErrorRetryAfter(t *testing.T) {
	z := NewZai("")
	before := time.Now()

	info, ok := z.ParseRateLimitFromBody([]byte(`{"error":{"retry_after":45}}`))

	assert.True(t, ok)
	expected := before.Add(45 * time.Second).UnixMilli()
	assert.InDelta(t, expected, info.ResetMs, 2000)
}

func TestZaiParseRateLimitFromBodyAbsentRetryAfterIsNotOK(t *testing.T) {
	z := NewZai("")
	_, ok := z.ParseRateLimitFromBody([]byte(`{"error":{"message":"rate limited"}}`))
	assert.False(t, ok)
}

func TestZaiRefreshTokenAlwaysErrors(t *testing.T) {
	z := NewZai("")
	_, err := z.RefreshToken("refresh", "client", "https://example.com/token")
	assert.Error(t, err)
}

func TestZaiExtractUsageInfo(t *testing.T) {
	z := NewZai("")
	body := []byte(`{"model":"glm-4.6","usage":{"input_tokens":5,"output_tokens":7}}`)

	usage, ok := z.ExtractUsageInfo(body)
	assert.True(t, ok)
	assert.Equal(t, int64(5), usage.InputTokens)
	assert.Equal(t, int64(7), usage.OutputTokens)
}

func TestZaiPrepareHeadersAlwaysUsesBearerAPIKey(t *testing.T) {
	z := NewZai("")
	h := z.PrepareHeaders(http.Header{}, AccountCredential{APIKey: "zai-key"})
	assert.Equal(t, "Bearer zai-key", h.Get("authorization"))
}
