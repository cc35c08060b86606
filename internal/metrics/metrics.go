// Package metrics exports Prometheus collectors on a private registry so
// tests and embedded use never collide with the global default.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deepresearch"

// Metrics bundles every collector the orchestrator records into. A nil
// *Metrics is valid and drops all observations.
type Metrics struct {
	registry *promclient.Registry

	sessionsStarted  promclient.Counter
	sessionsFinished *promclient.CounterVec
	llmRequests      *promclient.CounterVec
	llmFallbacks     promclient.Counter
	llmLatency       *promclient.HistogramVec
	searchRequests   *promclient.CounterVec
	searchCacheHits  promclient.Counter
	eventsPublished  *promclient.CounterVec
	eventsDropped    promclient.Counter
	activeSlots      promclient.Gauge
}

// New builds the collector set on a fresh private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: promclient.NewRegistry(),
		sessionsStarted: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Research sessions accepted.",
		}),
		sessionsFinished: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Research sessions that reached a terminal stage.",
		}, []string{"outcome"}),
		llmRequests: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM generate calls per provider attempt.",
		}, []string{"provider", "stage", "outcome"}),
		llmFallbacks: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallbacks_total",
			Help:      "Generate calls answered by a provider later in the chain.",
		}),
		llmLatency: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_seconds",
			Help:      "Latency of successful LLM requests.",
			Buckets:   promclient.DefBuckets,
		}, []string{"provider"}),
		searchRequests: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Web search calls by outcome.",
		}, []string{"outcome"}),
		searchCacheHits: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "search_cache_hits_total",
			Help:      "Search queries answered from the result cache.",
		}),
		eventsPublished: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Progress events published per type.",
		}, []string{"type"}),
		eventsDropped: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Progress events evicted from slow subscriber buffers.",
		}),
		activeSlots: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "active_slots",
			Help:      "Researcher slots currently running.",
		}),
	}

	collectors := []promclient.Collector{
		m.sessionsStarted, m.sessionsFinished,
		m.llmRequests, m.llmFallbacks, m.llmLatency,
		m.searchRequests, m.searchCacheHits,
		m.eventsPublished, m.eventsDropped,
		m.activeSlots,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (m *Metrics) Registry() *promclient.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// SessionFinished records a terminal stage; outcome is completed, error, or
// cancelled.
func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(outcome).Inc()
}

// LLMRequest records one provider attempt within a generate call.
func (m *Metrics) LLMRequest(provider, stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, stage, outcome).Inc()
	if outcome == "ok" {
		m.llmLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) LLMFallback() {
	if m == nil {
		return
	}
	m.llmFallbacks.Inc()
}

// SearchRequest records a search call; outcome is ok, degraded, or error.
func (m *Metrics) SearchRequest(outcome string) {
	if m == nil {
		return
	}
	m.searchRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SearchCacheHit() {
	if m == nil {
		return
	}
	m.searchCacheHits.Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

func (m *Metrics) SlotStarted() {
	if m == nil {
		return
	}
	m.activeSlots.Inc()
}

func (m *Metrics) SlotFinished() {
	if m == nil {
		return
	}
	m.activeSlots.Dec()
}
