package app

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/registry"
)

// poolCollector reports the connection statistics of every published pool at
// scrape time. Failed pools are skipped.
type poolCollector struct {
	registry *registry.Registry

	idle    *prometheus.Desc
	active  *prometheus.Desc
	created *prometheus.Desc
	errors  *prometheus.Desc
}

func newPoolCollector(reg *registry.Registry) *poolCollector {
	labels := []string{"source", "config_id", "pool"}
	return &poolCollector{
		registry: reg,
		idle: prometheus.NewDesc("authsourced_pool_idle_connections",
			"Connections waiting in a directory pool.", labels, nil),
		active: prometheus.NewDesc("authsourced_pool_active_connections",
			"Connections checked out of a directory pool.", labels, nil),
		created: prometheus.NewDesc("authsourced_pool_connections_created_total",
			"Connections opened by a directory pool.", labels, nil),
		errors: prometheus.NewDesc("authsourced_pool_connection_errors_total",
			"Failed connection attempts of a directory pool.", labels, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idle
	ch <- c.active
	ch <- c.created
	ch <- c.errors
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	if primary, ok := c.registry.Primary(); ok {
		c.collectPair(ch, "primary", "", primary)
	}

	aux := c.registry.Auxiliary()
	if aux == nil {
		return
	}
	// Config IDs are not guaranteed unique, so the position keeps series apart
	for i, pair := range aux.Pools {
		c.collectPair(ch, strconv.Itoa(i), aux.Configs[i].ConfigID, pair)
	}
}

func (c *poolCollector) collectPair(ch chan<- prometheus.Metric, source, configID string, pair ldap.PoolPair) {
	c.collectPool(ch, source, configID, "lookup", pair.Lookup)
	c.collectPool(ch, source, configID, "bind", pair.Bind)
}

func (c *poolCollector) collectPool(ch chan<- prometheus.Metric, source, configID, name string, pool *ldap.Pool) {
	if !pool.OK() {
		return
	}

	stats := pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stats.Idle), source, configID, name)
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.Active), source, configID, name)
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(stats.Created), source, configID, name)
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(stats.Errors), source, configID, name)
}
