// Package metrics exposes Prometheus collectors for the ingestion pipeline:
// collector ticks and outcomes, provider latency and errors, rate-limit waits,
// cache hits, broadcast fan-out and HTTP traffic. Every method is safe on a nil
// *Pipeline so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the collectors registered for one process.
type Pipeline struct {
	registry *prometheus.Registry

	ticks           *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec
	rateLimitWait   *prometheus.HistogramVec
	jobs            *prometheus.GaugeVec
	abandoned       prometheus.Counter
	cacheRequests   *prometheus.CounterVec
	broadcastSent   *prometheus.CounterVec
	broadcastDrops  prometheus.Counter
	disconnects     prometheus.Counter
	subscribers     prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	uptimeStartedAt prometheus.Gauge
}

// New creates a pipeline registered on its own registry under namespace,
// together with the Go runtime and process collectors.
func New(namespace string) *Pipeline {
	if namespace == "" {
		namespace = "cryptoengine"
	}
	reg := prometheus.NewRegistry()

	p := &Pipeline{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "ticks_total",
			Help: "Collector ticks by provider, kind and outcome",
		}, []string{"provider", "kind", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "provider", Name: "fetch_duration_seconds",
			Help:    "Provider fetch latency including rate-limit wait",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "kind"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "provider", Name: "errors_total",
			Help: "Provider errors by taxonomy type",
		}, []string{"provider", "type"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "wait_seconds",
			Help:    "Time spent waiting for rate budget",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"provider"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "collector", Name: "jobs",
			Help: "Collector jobs by state",
		}, []string{"state"}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "abandoned_stops_total",
			Help: "Jobs marked stopped after the stop deadline with a call still in flight",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "requests_total",
			Help: "Cache reads and writes by result (hit, miss, unavailable, error, ok)",
		}, []string{"op", "result"}),
		broadcastSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "messages_total",
			Help: "Messages enqueued to subscribers by type",
		}, []string{"type"}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "dropped_total",
			Help: "Messages dropped from full subscriber queues",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "slow_disconnects_total",
			Help: "Subscribers disconnected for falling behind",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "subscribers",
			Help: "Connected subscribers",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		uptimeStartedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "start_time_seconds",
			Help: "Unix time the engine started",
		}),
	}

	reg.MustRegister(
		p.ticks, p.fetchDuration, p.providerErrors, p.rateLimitWait, p.jobs, p.abandoned,
		p.cacheRequests, p.broadcastSent, p.broadcastDrops, p.disconnects, p.subscribers,
		p.httpRequests, p.httpDuration, p.uptimeStartedAt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.uptimeStartedAt.SetToCurrentTime()
	return p
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ObserveTick counts one collector tick outcome.
func (p *Pipeline) ObserveTick(provider, kind, outcome string) {
	if p == nil {
		return
	}
	p.ticks.WithLabelValues(provider, kind, outcome).Inc()
}

// ObserveFetch records a provider fetch duration.
func (p *Pipeline) ObserveFetch(provider, kind string, d time.Duration) {
	if p == nil {
		return
	}
	p.fetchDuration.WithLabelValues(provider, kind).Observe(d.Seconds())
}

// ProviderError counts a classified provider error.
func (p *Pipeline) ProviderError(provider, errorType string) {
	if p == nil {
		return
	}
	p.providerErrors.WithLabelValues(provider, errorType).Inc()
}

// ObserveRateLimitWait records time spent in Acquire.
func (p *Pipeline) ObserveRateLimitWait(provider string, d time.Duration) {
	if p == nil {
		return
	}
	p.rateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}

// SetJobStates replaces the per-state job gauge.
func (p *Pipeline) SetJobStates(counts map[string]int) {
	if p == nil {
		return
	}
	p.jobs.Reset()
	for state, n := range counts {
		p.jobs.WithLabelValues(state).Set(float64(n))
	}
}

// StopAbandoned counts a stop that hit its deadline.
func (p *Pipeline) StopAbandoned() {
	if p == nil {
		return
	}
	p.abandoned.Inc()
}

// CacheResult counts a cache operation result.
func (p *Pipeline) CacheResult(op, result string) {
	if p == nil {
		return
	}
	p.cacheRequests.WithLabelValues(op, result).Inc()
}

// MessageSent counts a message enqueued to a subscriber.
func (p *Pipeline) MessageSent(messageType string) {
	if p == nil {
		return
	}
	p.broadcastSent.WithLabelValues(messageType).Inc()
}

// MessageDropped counts a message discarded by the drop-oldest policy.
func (p *Pipeline) MessageDropped() {
	if p == nil {
		return
	}
	p.broadcastDrops.Inc()
}

// SubscriberDisconnected counts a slow-subscriber disconnect.
func (p *Pipeline) SubscriberDisconnected() {
	if p == nil {
		return
	}
	p.disconnects.Inc()
}

// SetSubscribers sets the connected-subscriber gauge.
func (p *Pipeline) SetSubscribers(n int) {
	if p == nil {
		return
	}
	p.subscribers.Set(float64(n))
}

// ObserveHTTP records one served request.
func (p *Pipeline) ObserveHTTP(route, method string, status int, d time.Duration) {
	if p == nil {
		return
	}
	p.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
