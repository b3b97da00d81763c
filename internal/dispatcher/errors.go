package dispatcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind is the dispatch-boundary error taxonomy. It carries no upstream
// detail itself; DispatchError wraps the underlying cause separately.
type Kind int

const (
	KindValidation Kind = iota
	KindTokenRefresh
	KindRateLimit
	KindProvider
	KindServiceUnavailable
	KindDatabase
	KindAuthenticationFailure
)

func (k Kind) httpStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindTokenRefresh:
		return http.StatusServiceUnavailable
	case KindProvider:
		return http.StatusBadGateway
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindAuthenticationFailure:
		return http.StatusUnauthorized
	case KindDatabase:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DispatchError is the one error type that crosses the dispatch
// boundary; everything else is wrapped into one of these before it
// reaches the HTTP response writer.
type DispatchError struct {
	Kind    Kind
	Message string
	Attempt int // accounts tried, for ServiceUnavailableError
	cause   error
}

func (e *DispatchError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *DispatchError) Unwrap() error { return e.cause }

func (e *DispatchError) HTTPStatus() int { return e.Kind.httpStatus() }

func newDispatchError(kind Kind, message string, cause error) *DispatchError {
	return &DispatchError{Kind: kind, Message: message, cause: cause}
}

// routeTagPattern strips internal route tags like [dispatcher/anthropic]
// from upstream error messages before they reach the client.
var routeTagPattern = regexp.MustCompile(`\[dispatcher/[^\]]+\]\s*`)

type errorCode struct {
	status  int
	errType string
	message string
	pattern *regexp.Regexp
}

var errorCodes = []errorCode{
	{400, "invalid_request_error", "bad request format", regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{401, "authentication_error", "authentication failed", regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{403, "permission_error", "access denied", regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{404, "not_found_error", "resource not found", regexp.MustCompile(`(?i)not.?found`)},
	{413, "request_too_large", "request payload too large", regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{429, "rate_limit_error", "rate limited, please retry later", regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{500, "api_error", "internal server error", regexp.MustCompile(`(?i)internal.?server`)},
	{502, "api_error", "bad gateway", regexp.MustCompile(`(?i)bad.?gateway`)},
	{503, "overloaded_error", "service temporarily overloaded", regexp.MustCompile(`(?i)overloaded|unavailable`)},
	{529, "overloaded_error", "upstream overloaded, please retry later", regexp.MustCompile(`(?i)529|overloaded`)},
}

var statusCodeMap = map[int]errorCode{}

func init() {
	direct := map[int]bool{401: true, 403: true, 404: true, 413: true, 429: true, 502: true, 503: true, 529: true}
	for _, ec := range errorCodes {
		if direct[ec.status] {
			statusCodeMap[ec.status] = ec
		}
	}
}

// sanitizeUpstreamError maps an upstream error response to a client-safe
// error body, stripping internal route tags and never forwarding raw
// upstream prose unless it's already a recognized `{error:{type,message}}`
// shape.
func sanitizeUpstreamError(statusCode int, body []byte) (int, []byte) {
	bodyStr := stripRouteTags(string(body))

	if ec, ok := statusCodeMap[statusCode]; ok {
		return ec.status, buildErrorJSON(ec.errType, ec.message)
	}
	for _, ec := range errorCodes {
		if ec.pattern != nil && ec.pattern.MatchString(bodyStr) {
			return ec.status, buildErrorJSON(ec.errType, ec.message)
		}
	}

	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(bodyStr), &parsed) == nil && parsed.Error.Type != "" {
		return statusCode, buildErrorJSON(parsed.Error.Type, stripRouteTags(parsed.Error.Message))
	}

	return http.StatusInternalServerError, buildErrorJSON("api_error", "unexpected upstream error")
}

func stripRouteTags(s string) string {
	return strings.TrimSpace(routeTagPattern.ReplaceAllString(s, ""))
}

func buildErrorJSON(errType, msg string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": msg},
	})
	return data
}

func writeDispatchError(w http.ResponseWriter, derr *DispatchError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(derr.HTTPStatus())
	errType := "api_error"
	switch derr.Kind {
	case KindValidation:
		errType = "invalid_request_error"
	case KindAuthenticationFailure:
		errType = "authentication_error"
	case KindServiceUnavailable, KindTokenRefresh:
		errType = "overloaded_error"
	}
	w.Write(buildErrorJSON(errType, derr.Message))
}

// redactFieldNames lists the field names the error-logging redaction
// pass blanks out, at any nesting depth of a JSON-shaped error payload.
var redactFieldNames = map[string]bool{"value": true, "apiKey": true, "password": true, "token": true}

// redactSecrets walks a decoded JSON value and blanks out the values of
// any of redactFieldNames, returning a copy safe to log.
func redactSecrets(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redactFieldNames[k] {
				out[k] = "[redacted]"
				continue
			}
			out[k] = redactSecrets(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactSecrets(val)
		}
		return out
	default:
		return v
	}
}

// redactPlainString applies the catch-all regex redaction the spec
// requires for plain-string errors (not JSON-shaped).
var plainSecretPattern = regexp.MustCompile(`(?i)(token|apikey|api_key|password)["']?\s*[:=]\s*["']?[\w.\-]+`)

func redactPlainString(s string) string {
	return plainSecretPattern.ReplaceAllString(s, "$1=[redacted]")
}

// redactForLog prepares an error for structured logging: JSON payloads
// have their sensitive fields blanked recursively, plain strings go
// through the regex pass.
func redactForLog(err error) string {
	msg := err.Error()
	var parsed any
	if json.Unmarshal([]byte(msg), &parsed) == nil {
		redacted := redactSecrets(parsed)
		out, mErr := json.Marshal(redacted)
		if mErr == nil {
			return string(out)
		}
	}
	return redactPlainString(msg)
}
