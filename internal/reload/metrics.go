package reload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isometry/authsourced/internal/ldap"
)

// Reload outcomes.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Metrics records reload activity.
type Metrics struct {
	reloads     *prometheus.CounterVec
	duration    prometheus.Histogram
	authSources prometheus.Gauge
	pools       *prometheus.GaugeVec
	lastSuccess prometheus.Gauge
}

// NewMetrics creates reload metrics registered with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authsourced_reloads_total",
			Help: "Auth source reload cycles by result",
		}, []string{"result"}),

		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "authsourced_reload_duration_seconds",
			Help:    "Duration of completed auth source reload cycles",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),

		authSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "authsourced_auth_sources",
			Help: "Number of auxiliary auth sources currently published",
		}),

		pools: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "authsourced_auth_source_pools",
			Help: "Auxiliary connection pools by creation status",
		}, []string{"status"}),

		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "authsourced_reload_last_success_timestamp_seconds",
			Help: "Unix time of the last successful reload",
		}),
	}
}

func (m *Metrics) skipped() {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(ResultSkipped).Inc()
}

func (m *Metrics) failed(seconds float64) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(ResultFailure).Inc()
	m.duration.Observe(seconds)
}

func (m *Metrics) succeeded(seconds float64, pairs []ldap.PoolPair) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(ResultSuccess).Inc()
	m.duration.Observe(seconds)
	m.authSources.Set(float64(len(pairs)))
	m.lastSuccess.SetToCurrentTime()

	counts := map[ldap.PoolStatus]int{
		ldap.PoolStatusOK:                          0,
		ldap.PoolStatusInappropriateAuthentication: 0,
		ldap.PoolStatusFailed:                      0,
	}
	for _, pair := range pairs {
		for _, pool := range []*ldap.Pool{pair.Lookup, pair.Bind} {
			if pool != nil {
				counts[pool.Status()]++
			}
		}
	}
	for status, n := range counts {
		m.pools.WithLabelValues(status.String()).Set(float64(n))
	}
}
