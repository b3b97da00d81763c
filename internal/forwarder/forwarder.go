// Package forwarder implements ResponseForwarder: it sanitizes outbound
// headers, tees the response body to the PostProcessor sink, and returns
// the response to the caller unchanged.
package forwarder

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ccflare/proxy/internal/events"
	"github.com/ccflare/proxy/internal/headercodec"
	"github.com/ccflare/proxy/internal/postprocessor"
)

// RequestInfo is the request-side metadata the sink needs alongside the
// response.
type RequestInfo struct {
	RequestID        string
	AccountID        string
	Method           string
	Path             string
	TimestampMs      int64
	ReqHeaders       http.Header
	ReqBody          []byte
	ProviderName     string
	AgentUsed        string
	FailoverAttempts int
	BypassSession    bool
}

type ResponseForwarder struct {
	sink *postprocessor.PostProcessor
	bus  *events.Bus
}

func New(sink *postprocessor.PostProcessor, bus *events.Bus) *ResponseForwarder {
	return &ResponseForwarder{sink: sink, bus: bus}
}

// isExpectedFailure treats a 404 on any well-known discovery path as a
// healthy outcome: providers routinely 404 these and it shouldn't count
// as an account-level failure for analytics.
func isExpectedFailure(path string, status int) bool {
	return status == http.StatusNotFound && strings.HasPrefix(path, "/.well-known/")
}

// Forward applies header sanitization, emits the Start event, tees the
// body to the sink in the background, and returns a response whose body
// is safe for the caller to stream or read to completion.
func (f *ResponseForwarder) Forward(info RequestInfo, resp *http.Response, isStream bool) *http.Response {
	sanitized := headercodec.WithSanitizedProxyHeaders(resp)

	f.sink.Emit(postprocessor.Start{
		RequestID:        info.RequestID,
		AccountID:        info.AccountID,
		Method:           info.Method,
		Path:             info.Path,
		TimestampMs:      info.TimestampMs,
		ReqHeaders:       info.ReqHeaders,
		ReqBody:          info.ReqBody,
		RespStatus:       sanitized.StatusCode,
		RespHeaders:      sanitized.Header,
		IsStream:         isStream,
		ProviderName:     info.ProviderName,
		AgentUsed:        info.AgentUsed,
		FailoverAttempts: info.FailoverAttempts,
		BypassSession:    info.BypassSession,
	})

	f.bus.Publish(events.Event{
		Type:      events.EventRequest,
		AccountID: info.AccountID,
		Message:   info.Method + " " + info.Path,
		Timestamp: time.Now(),
	})

	if isStream {
		sanitized.Body = f.teeStreaming(info.RequestID, info.Path, sanitized.StatusCode, sanitized.Body)
		return sanitized
	}
	return f.teeBuffered(info.RequestID, info.Path, sanitized)
}

func (f *ResponseForwarder) teeStreaming(requestID, path string, status int, body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	tee := io.TeeReader(body, pw)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				f.sink.Emit(postprocessor.Chunk{RequestID: requestID, Bytes: append([]byte(nil), buf[:n]...)})
			}
			if err != nil {
				success := err == io.EOF || isExpectedFailure(path, status)
				errMsg := ""
				if !success {
					errMsg = err.Error()
				}
				f.sink.Emit(postprocessor.End{RequestID: requestID, Success: success, Error: errMsg})
				return
			}
		}
	}()

	return teeCloser{r: tee, closeOrig: body.Close, closePipe: pw.Close}
}

func (f *ResponseForwarder) teeBuffered(requestID, path string, resp *http.Response) *http.Response {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		f.sink.Emit(postprocessor.End{RequestID: requestID, Success: false, Error: err.Error()})
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}

	success := resp.StatusCode < 400 || isExpectedFailure(path, resp.StatusCode)
	go f.sink.Emit(postprocessor.End{RequestID: requestID, Success: success, RespBody: body})

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp
}

type teeCloser struct {
	r         io.Reader
	closeOrig func() error
	closePipe func() error
}

func (t teeCloser) Read(p []byte) (int, error) { return t.r.Read(p) }

func (t teeCloser) Close() error {
	err := t.closeOrig()
	_ = t.closePipe()
	return err
}
