// Package metrics exposes approval engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives engine events.
type Recorder interface {
	IncChainsSubmitted(category, templateID string)
	IncBuildFailures(category, reason string)
	IncDecisions(decision, result string)
	IncDecisionConflicts()
	ObserveChainCompleted(category, status string, elapsed time.Duration)
	ObserveHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncChainsSubmitted(string, string)                     {}
func (Noop) IncBuildFailures(string, string)                       {}
func (Noop) IncDecisions(string, string)                           {}
func (Noop) IncDecisionConflicts()                                 {}
func (Noop) ObserveChainCompleted(string, string, time.Duration)   {}
func (Noop) ObserveHTTPRequest(string, string, int, time.Duration) {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	chainsSubmitted   *prometheus.CounterVec
	buildFailures     *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	decisionConflicts prometheus.Counter
	chainDuration     *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
}

// NewProm builds the collectors and registers them with reg. A nil reg
// uses the default registerer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		chainsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_submitted_total",
			Help:      "Approval chains created by category and template",
		}, []string{"category", "template"}),
		buildFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_build_failures_total",
			Help:      "Submissions that did not produce a chain, by reason",
		}, []string{"category", "reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Approver decisions by decision and result",
		}, []string{"decision", "result"}),
		decisionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_conflicts_total",
			Help:      "Optimistic lock conflicts retried while applying decisions",
		}),
		chainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_completion_seconds",
			Help:      "Time from submission to terminal status",
			Buckets:   []float64{60, 600, 3600, 4 * 3600, 24 * 3600, 3 * 24 * 3600, 7 * 24 * 3600},
		}, []string{"category", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		p.chainsSubmitted,
		p.buildFailures,
		p.decisions,
		p.decisionConflicts,
		p.chainDuration,
		p.httpRequests,
		p.httpLatency,
	)
	return p
}

func (p *Prom) IncChainsSubmitted(category, templateID string) {
	p.chainsSubmitted.WithLabelValues(category, templateID).Inc()
}

func (p *Prom) IncBuildFailures(category, reason string) {
	p.buildFailures.WithLabelValues(category, reason).Inc()
}

func (p *Prom) IncDecisions(decision, result string) {
	p.decisions.WithLabelValues(decision, result).Inc()
}

func (p *Prom) IncDecisionConflicts() {
	p.decisionConflicts.Inc()
}

func (p *Prom) ObserveChainCompleted(category, status string, elapsed time.Duration) {
	p.chainDuration.WithLabelValues(category, status).Observe(elapsed.Seconds())
}

func (p *Prom) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	p.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	p.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler returns an HTTP handler for /metrics served from gatherer, or the
// default gatherer when nil.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
