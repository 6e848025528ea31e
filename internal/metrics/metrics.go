// Package metrics holds the prometheus collectors of the sync, webhook and
// matching paths. Collectors live on an explicit registry so tests and
// multiple engines in one process do not collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	syncRuns       *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	applied        *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	matchDecisions *prometheus.CounterVec
	queueDropped   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneysync",
			Name:      "sync_runs_total",
			Help:      "Account sync runs by outcome code.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moneysync",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of account sync runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneysync",
			Name:      "sync_transactions_applied_total",
			Help:      "Transaction rows written by sync, by change kind.",
		}, []string{"kind"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneysync",
			Name:      "webhooks_total",
			Help:      "Provider webhooks received.",
		}, []string{"type", "code"}),
		matchDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneysync",
			Name:      "match_decisions_total",
			Help:      "Matcher outcomes by matcher and mode.",
		}, []string{"matcher", "mode"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moneysync",
			Name:      "sync_queue_dropped_total",
			Help:      "Async sync triggers dropped because the queue was full.",
		}),
	}
	m.Registry.MustRegister(m.syncRuns, m.syncDuration, m.applied, m.webhooks, m.matchDecisions, m.queueDropped)
	return m
}

// ObserveSync records one finished run. outcome is "ok" or an error code.
func (m *Metrics) ObserveSync(outcome string, d time.Duration, added, modified, removed int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(d.Seconds())
	m.applied.WithLabelValues("added").Add(float64(added))
	m.applied.WithLabelValues("modified").Add(float64(modified))
	m.applied.WithLabelValues("removed").Add(float64(removed))
}

func (m *Metrics) Webhook(typ, code string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(typ, code).Inc()
}

// MatchDecision counts one decision; mode is auto, suggest or none.
func (m *Metrics) MatchDecision(matcher, mode string) {
	if m == nil {
		return
	}
	m.matchDecisions.WithLabelValues(matcher, mode).Inc()
}

func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
