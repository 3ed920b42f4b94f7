package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the counters recorded by the service.
type Metrics struct {
	// Authorization attempts by the state they reached.
	Attempts *prometheus.CounterVec

	// Provider calls by operation and result.
	UpstreamCalls *prometheus.CounterVec

	// Local grant requests by grant type and result.
	LocalGrants *prometheus.CounterVec

	// Rows removed by cleanup, by kind.
	CleanupRemoved *prometheus.CounterVec

	CleanupDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wxauth_authorization_attempts_total",
			Help: "Authorization attempts by the state they reached",
		}, []string{"state"}),
		UpstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wxauth_upstream_calls_total",
			Help: "Calls to the WeChat API by operation and result",
		}, []string{"op", "result"}),
		LocalGrants: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wxauth_local_grants_total",
			Help: "Local token endpoint grants by type and result",
		}, []string{"grant_type", "result"}),
		CleanupRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wxauth_cleanup_removed_total",
			Help: "Expired or spent records removed by cleanup",
		}, []string{"kind"}),
		CleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wxauth_cleanup_duration_seconds",
			Help:    "Duration of a full cleanup pass",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) attempt(s AttemptState) {
	m.Attempts.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) upstream(op string, err error) {
	m.UpstreamCalls.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) grant(grantType string, err error) {
	m.LocalGrants.WithLabelValues(grantType, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
