package headercodec

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeRequestStripsFramingAndEncodingHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Accept-Encoding", "gzip")
	h.Set("Content-Length", "42")
	h.Set("Authorization", "Bearer tok")

	out := SanitizeRequest(h)

	assert.Empty(t, out.Get("Accept-Encoding"))
	assert.Empty(t, out.Get("Content-Length"))
	assert.Equal(t, "Bearer tok", out.Get("Authorization"), "non-framing headers must pass through untouched")
}

func TestSanitizeRequestDoesNotMutateInput(t *testing.T) {
	h := http.Header{}
	h.Set("Accept-Encoding", "gzip")

	_ = SanitizeRequest(h)

	assert.Equal(t, "gzip", h.Get("Accept-Encoding"), "original header set must remain untouched")
}

func TestSanitizeProxyResponseStripsContentEncoding(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Encoding", "gzip")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Request-Id", "abc")

	out := SanitizeProxyResponse(h)

	assert.Empty(t, out.Get("Content-Encoding"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Equal(t, "abc", out.Get("X-Request-Id"))
}

func TestWithSanitizedProxyHeadersPreservesStatusAndBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Encoding": {"gzip"}},
	}

	out := WithSanitizedProxyHeaders(resp)

	assert.Equal(t, 200, out.StatusCode)
	assert.Empty(t, out.Header.Get("Content-Encoding"))
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"), "original response headers must be untouched")
}
