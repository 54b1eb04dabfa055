package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reconcile     *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	keyFetch      *prometheus.CounterVec
	linkFailures  prometheus.Counter
	upstreamCalls *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbridge_reconcile_total",
			Help: "Identity reconciliations by resulting state.",
		}, []string{"state"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbridge_token_issued_total",
			Help: "Token requests by outcome.",
		}, []string{"outcome"}),
		keyFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidcbridge_signing_key_fetch_total",
			Help: "Signing key fetches from the secret store by result.",
		}, []string{"result"}),
		linkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oidcbridge_link_provision_failures_total",
			Help: "Best-effort linked-account provisioning failures.",
		}),
		upstreamCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oidcbridge_upstream_duration_seconds",
			Help:    "Upstream provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconcile, m.tokens, m.keyFetch, m.linkFailures, m.upstreamCalls)
	}
	return m
}

func (m *Metrics) reconciled(state ReconcileState) {
	if m != nil {
		m.reconcile.WithLabelValues(state.String()).Inc()
	}
}

func (m *Metrics) tokenOutcome(outcome string) {
	if m != nil {
		m.tokens.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) keyFetched(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.keyFetch.WithLabelValues("ok").Inc()
		return
	}
	m.keyFetch.WithLabelValues("error").Inc()
}

func (m *Metrics) linkFailed() {
	if m != nil {
		m.linkFailures.Inc()
	}
}

func (m *Metrics) upstream(call string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstreamCalls.WithLabelValues(call, result).Observe(seconds)
}
