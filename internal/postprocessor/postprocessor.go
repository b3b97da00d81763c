// Package postprocessor implements the PostProcessor sink: a
// single-consumer pipeline that turns Start/Chunk/End events into
// persisted request-summary rows, extracting token usage from SSE
// fragments and non-streaming bodies along the way.
package postprocessor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/metrics"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/sink"
)

// Start is emitted once per request, carrying both sides' metadata.
type Start struct {
	RequestID        string
	AccountID        string
	Method           string
	Path             string
	TimestampMs      int64
	ReqHeaders       http.Header
	ReqBody          []byte
	RespStatus       int
	RespHeaders      http.Header
	IsStream         bool
	ProviderName     string
	AgentUsed        string
	FailoverAttempts int
	BypassSession    bool
}

// Chunk carries one piece of a streaming response body, in emission order.
type Chunk struct {
	RequestID string
	Bytes     []byte
}

// End closes out a requestId. RespBody is the full captured body for
// non-streaming responses (streaming responses are reconstructed from
// their Chunks).
type End struct {
	RequestID string
	Success   bool
	Error     string
	RespBody  []byte
}

type shutdown struct{ done chan struct{} }

type usageAccumulator struct {
	model               string
	inputTokens         int64
	cacheReadTokens     int64
	cacheCreationTokens int64
	outputTokens        int64
}

func (u usageAccumulator) total() int64 {
	return u.inputTokens + u.outputTokens + u.cacheReadTokens + u.cacheCreationTokens
}

type requestState struct {
	start       Start
	buf         bytes.Buffer // bounded SSE text buffer
	pending     []byte       // incomplete trailing line
	usage       usageAccumulator
	ended       bool
	lastActive  time.Time
}

const sseBufferCap = 64 * 1024

// PostProcessor is the sink: its event loop is the sole writer of
// per-request state, so no locking is needed inside it.
type PostProcessor struct {
	events   chan any
	requests *gocache.Cache // requestId → *requestState
	writer   *sink.AsyncDbWriter
	registry *provider.Registry
	accounts *account.AccountStore
	metrics  *metrics.Metrics

	orphanTimeout time.Duration
	done          chan struct{}
}

func New(registry *provider.Registry, accounts *account.AccountStore, writer *sink.AsyncDbWriter, orphanTimeout time.Duration, m *metrics.Metrics) *PostProcessor {
	p := &PostProcessor{
		events:        make(chan any, 4096),
		requests:      gocache.New(orphanTimeout, orphanTimeout/2),
		writer:        writer,
		registry:      registry,
		accounts:      accounts,
		metrics:       m,
		orphanTimeout: orphanTimeout,
		done:          make(chan struct{}),
	}
	p.requests.OnEvicted(func(requestID string, v any) {
		st, ok := v.(*requestState)
		if !ok || st.ended {
			return
		}
		// The cache eviction is our orphan-timeout signal: synthesize
		// the missing End so state isn't leaked.
		p.finish(requestID, st, false, "orphan", nil)
	})
	return p
}

// Run is the single consumer loop; call it from its own goroutine.
func (p *PostProcessor) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			switch e := ev.(type) {
			case Start:
				p.onStart(e)
			case Chunk:
				p.onChunk(e)
			case End:
				p.onEnd(e)
			case shutdown:
				close(e.done)
				return
			}
		}
	}
}

// Emit posts an event without blocking the request path; a full queue
// drops the event and logs, rather than stalling a live response.
func (p *PostProcessor) Emit(ev any) {
	select {
	case p.events <- ev:
	default:
		slog.Warn("postprocessor queue full, dropping event")
	}
}

// Shutdown flushes and stops the consumer loop, blocking until drained.
func (p *PostProcessor) Shutdown() {
	done := make(chan struct{})
	p.events <- shutdown{done: done}
	<-done
	p.writer.Shutdown()
}

func (p *PostProcessor) onStart(s Start) {
	p.requests.Set(s.RequestID, &requestState{start: s, lastActive: time.Now()}, gocache.DefaultExpiration)

	accountID := s.AccountID
	bypass := s.BypassSession
	p.writer.Enqueue("update-usage", func() error {
		if accountID == "" {
			return nil
		}
		if bypass {
			return p.accounts.UpdateUsage(context.Background(), accountID)
		}
		if err := p.accounts.UpdateUsage(context.Background(), accountID); err != nil {
			return err
		}
		return p.accounts.UpdateSessionSafe(context.Background(), accountID, false)
	})
}

func (p *PostProcessor) onChunk(c Chunk) {
	v, ok := p.requests.Get(c.RequestID)
	if !ok {
		return
	}
	rs := v.(*requestState)
	rs.lastActive = time.Now()

	rs.pending = append(rs.pending, c.Bytes...)
	for {
		idx := bytes.IndexByte(rs.pending, '\n')
		if idx < 0 {
			break
		}
		line := rs.pending[:idx]
		rs.pending = rs.pending[idx+1:]
		p.appendToRingBuffer(rs, line)
		p.parseSSELine(rs, line)
	}
	p.requests.Set(c.RequestID, rs, gocache.DefaultExpiration)
}

func (p *PostProcessor) appendToRingBuffer(rs *requestState, line []byte) {
	rs.buf.Write(line)
	rs.buf.WriteByte('\n')
	if excess := rs.buf.Len() - sseBufferCap; excess > 0 {
		trimmed := rs.buf.Bytes()[excess:]
		rs.buf.Reset()
		rs.buf.Write(trimmed)
	}
}

func (p *PostProcessor) parseSSELine(rs *requestState, line []byte) {
	text := strings.TrimSpace(string(line))
	data, ok := strings.CutPrefix(text, "data:")
	if !ok {
		return
	}
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return
	}

	var payload struct {
		Message struct {
			Model string `json:"model"`
			Usage struct {
				InputTokens              int64 `json:"input_tokens"`
				CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
				CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
				OutputTokens             int64 `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Delta struct {
			Usage struct {
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		} `json:"delta"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return
	}

	if payload.Message.Model != "" {
		rs.usage.model = payload.Message.Model
	}
	if payload.Message.Usage.InputTokens > 0 {
		rs.usage.inputTokens = payload.Message.Usage.InputTokens
		rs.usage.cacheReadTokens = payload.Message.Usage.CacheReadInputTokens
		rs.usage.cacheCreationTokens = payload.Message.Usage.CacheCreationInputTokens
		if payload.Message.Usage.OutputTokens > 0 {
			rs.usage.outputTokens = payload.Message.Usage.OutputTokens
		}
	}
	if payload.Delta.Usage.OutputTokens > 0 {
		rs.usage.outputTokens = payload.Delta.Usage.OutputTokens
	}
	if payload.Usage.InputTokens > 0 {
		rs.usage.inputTokens = payload.Usage.InputTokens
		rs.usage.cacheReadTokens = payload.Usage.CacheReadInputTokens
		rs.usage.cacheCreationTokens = payload.Usage.CacheCreationInputTokens
	}
	if payload.Usage.OutputTokens > 0 {
		rs.usage.outputTokens = payload.Usage.OutputTokens
	}
}

func (p *PostProcessor) onEnd(e End) {
	v, ok := p.requests.Get(e.RequestID)
	if !ok {
		return // already ended (idempotence: second End for same id is a no-op)
	}
	rs := v.(*requestState)
	if rs.ended {
		return
	}
	p.finish(e.RequestID, rs, e.Success, e.Error, e.RespBody)
}

func (p *PostProcessor) finish(requestID string, rs *requestState, success bool, errMsg string, respBody []byte) {
	rs.ended = true
	p.requests.Delete(requestID)

	accountID := rs.start.AccountID
	usage := rs.usage
	if usage.model == "" && respBody != nil {
		// Non-streaming responses never flow through parseSSELine; pull
		// usage straight from the captured body via the account's own
		// adapter, since each provider names its usage fields differently
		// (e.g. Anthropic/Zai's input_tokens vs. openai-compatible's
		// prompt_tokens).
		if adapter, ok := p.registry.Get(rs.start.ProviderName); ok {
			if info, ok := adapter.ExtractUsageInfo(respBody); ok {
				usage.model = info.Model
				usage.inputTokens = info.InputTokens
				usage.outputTokens = info.OutputTokens
				usage.cacheReadTokens = info.CacheReadTokens
				usage.cacheCreationTokens = info.CacheCreationTokens
			}
		}
	}

	cost := calcCost(usage.model, usage.inputTokens, usage.outputTokens, usage.cacheReadTokens, usage.cacheCreationTokens)
	statusCode := rs.start.RespStatus

	if p.metrics != nil && accountID != "" {
		p.metrics.TokensTotal.WithLabelValues(accountID, "input").Add(float64(usage.inputTokens))
		p.metrics.TokensTotal.WithLabelValues(accountID, "output").Add(float64(usage.outputTokens))
		p.metrics.TokensTotal.WithLabelValues(accountID, "cache_read").Add(float64(usage.cacheReadTokens))
		p.metrics.TokensTotal.WithLabelValues(accountID, "cache_creation").Add(float64(usage.cacheCreationTokens))
		p.metrics.CostUSDTotal.WithLabelValues(accountID).Add(cost)
	}

	p.writer.Enqueue("append-request-log", func() error {
		return p.accounts.UpdateRequestUsage(context.Background(), accountID, account.RequestUsage{
			Model:               usage.model,
			StatusCode:          statusCode,
			InputTokens:         usage.inputTokens,
			OutputTokens:        usage.outputTokens,
			CacheReadTokens:     usage.cacheReadTokens,
			CacheCreationTokens: usage.cacheCreationTokens,
			CostUSD:             cost,
		})
	})

	if !success {
		slog.Warn("request ended without success", "requestId", requestID, "error", errMsg)
	}
}
