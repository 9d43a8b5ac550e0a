// Package metrics exposes the orchestrator's Prometheus collectors. One
// Metrics value is created at startup and threaded into the components that
// record to it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the orchestrator registers.
type Metrics struct {
	registry *prometheus.Registry

	AnalysesRunning  prometheus.Gauge
	AnalysisStarts   prometheus.Counter
	AnalysisRestarts prometheus.Counter
	AnalysisCrashes  prometheus.Counter
	LogEntries       prometheus.Counter

	DNSHits      prometheus.Counter
	DNSMisses    prometheus.Counter
	DNSErrors    prometheus.Counter
	DNSEvictions prometheus.Counter

	SSESessions   prometheus.Gauge
	SSEDropped    prometheus.Counter
	RateLimited   *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	ShipperQueued prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AnalysesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptops_analyses_running",
			Help: "Number of analyses with a live child process.",
		}),
		AnalysisStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_analysis_starts_total",
			Help: "Total analysis child process starts.",
		}),
		AnalysisRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_analysis_restarts_total",
			Help: "Total automatic restarts scheduled by the supervisor.",
		}),
		AnalysisCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_analysis_crashes_total",
			Help: "Total child exits classified as crashes.",
		}),
		LogEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_log_entries_total",
			Help: "Total log entries captured from children.",
		}),
		DNSHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_dns_cache_hits_total",
			Help: "DNS cache hits.",
		}),
		DNSMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_dns_cache_misses_total",
			Help: "DNS cache misses.",
		}),
		DNSErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_dns_errors_total",
			Help: "DNS resolution or policy errors.",
		}),
		DNSEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_dns_cache_evictions_total",
			Help: "DNS cache entries evicted at capacity.",
		}),
		SSESessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptops_sse_sessions",
			Help: "Connected live-event sessions.",
		}),
		SSEDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptops_sse_sessions_dropped_total",
			Help: "Sessions dropped for slow consumption.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptops_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"class"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptops_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		ShipperQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptops_logship_queue_depth",
			Help: "Entries waiting in the log shipper queue.",
		}),
	}

	reg.MustRegister(
		m.AnalysesRunning, m.AnalysisStarts, m.AnalysisRestarts, m.AnalysisCrashes,
		m.LogEntries,
		m.DNSHits, m.DNSMisses, m.DNSErrors, m.DNSEvictions,
		m.SSESessions, m.SSEDropped,
		m.RateLimited, m.HTTPRequests, m.ShipperQueued,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
