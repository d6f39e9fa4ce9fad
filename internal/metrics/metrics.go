// Package metrics owns the prometheus registry served by the operator API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a private prometheus registry with the engine's collectors.
// A nil *Registry is valid and records nothing.
type Registry struct {
	registry            *prometheus.Registry
	submissionsTotal    *prometheus.CounterVec
	queriesTotal        *prometheus.CounterVec
	actionsTotal        *prometheus.CounterVec
	confirmationSeconds prometheus.Histogram
	lockWaitSeconds     prometheus.Histogram
}

func New() *Registry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tzswap_submissions_total",
		Help: "Operation batches submitted, by outcome",
	}, []string{"result"})

	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tzswap_queries_total",
		Help: "Requests made to the node and the indexer",
	}, []string{"source", "result"})

	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tzswap_api_actions_total",
		Help: "Redeem and refund requests received on the operator API",
	}, []string{"action", "result"})

	confirmation := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tzswap_confirmation_seconds",
		Help:    "Time from wallet submission to confirmation",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	})

	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tzswap_account_lock_wait_seconds",
		Help:    "Time spent waiting for the account lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, queries, actions, confirmation, lockWait)

	return &Registry{
		registry:            r,
		submissionsTotal:    submissions,
		queriesTotal:        queries,
		actionsTotal:        actions,
		confirmationSeconds: confirmation,
		lockWaitSeconds:     lockWait,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncQuery(source, result string) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(source, result).Inc()
}

func (m *Registry) IncAction(action, result string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Registry) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmationSeconds.Observe(d.Seconds())
}

func (m *Registry) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitSeconds.Observe(d.Seconds())
}
