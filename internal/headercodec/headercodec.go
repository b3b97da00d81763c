// Package headercodec strips hop-by-hop and compression headers that
// must never be forwarded verbatim between the proxy and either side.
package headercodec

import (
	"net/http"
)

var requestStrip = []string{"accept-encoding", "content-encoding", "content-length", "transfer-encoding"}
var responseStrip = []string{"content-encoding", "content-length", "transfer-encoding"}

// SanitizeRequest strips headers the upstream should decide for itself:
// accept-encoding so the Go HTTP client negotiates its own compression,
// and any leftover framing headers from the inbound request.
func SanitizeRequest(h http.Header) http.Header {
	return strip(h, requestStrip)
}

// SanitizeProxyResponse strips headers describing a body shape the
// runtime has already resolved (the HTTP client decompresses
// transparently, and the body length/framing is the proxy's to restate).
func SanitizeProxyResponse(h http.Header) http.Header {
	return strip(h, responseStrip)
}

// WithSanitizedProxyHeaders returns a shallow copy of resp with its
// header set replaced by the sanitized view, preserving status and body.
func WithSanitizedProxyHeaders(resp *http.Response) *http.Response {
	clone := *resp
	clone.Header = SanitizeProxyResponse(resp.Header)
	return &clone
}

func strip(h http.Header, names []string) http.Header {
	out := h.Clone()
	for _, n := range names {
		out.Del(n)
	}
	return out
}
