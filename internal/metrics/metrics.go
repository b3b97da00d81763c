// Package metrics exposes the proxy's Prometheus instrumentation,
// registered once at startup and updated from the dispatcher,
// tokenmanager, and health monitor as requests flow through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the proxy registers. Callers hold one
// instance and pass it down rather than reaching for package-level
// globals, so tests can register independent registries.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	CostUSDTotal     *prometheus.CounterVec
	FailoverTotal    *prometheus.CounterVec
	RefreshTotal     *prometheus.CounterVec
	RateLimitedGauge *prometheus.GaugeVec
	AccountHealth    *prometheus.GaugeVec
}

// New registers every collector against reg and returns the bundle.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the
// default global registry across parallel test packages.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "requests_total",
			Help:      "Total proxied requests by provider, status class, and stream mode.",
		}, []string{"provider", "status_class", "stream"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccflare",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency as observed by the dispatcher.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "tokens_total",
			Help:      "Token usage reported by the postprocessor, by kind.",
		}, []string{"account_id", "kind"}),

		CostUSDTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "cost_usd_total",
			Help:      "Estimated upstream spend in USD, by account.",
		}, []string{"account_id"}),

		FailoverTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "failover_total",
			Help:      "Account failover attempts during dispatch, by reason.",
		}, []string{"reason"}),

		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "token_refresh_total",
			Help:      "OAuth token refresh attempts, by outcome.",
		}, []string{"outcome"}),

		RateLimitedGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "accounts_rate_limited",
			Help:      "1 if the account is currently rate-limited, else 0.",
		}, []string{"account_id"}),

		AccountHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "account_health_status",
			Help:      "Most recent health classification per account (1 if the account is currently in that status, else 0).",
		}, []string{"account_id", "status"}),
	}
}
