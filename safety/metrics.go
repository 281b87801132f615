package safety

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector exposes a Monitor's per-kind event counters as
// Prometheus metrics, following the Collect-on-scrape pattern (rather
// than push-per-event) so the hot event-recording path never touches
// the metrics registry.
type MetricsCollector struct {
	m    *Monitor
	desc *prometheus.Desc
}

// NewMetricsCollector wraps m for registration with a prometheus.Registry.
func NewMetricsCollector(m *Monitor) *MetricsCollector {
	return &MetricsCollector{
		m: m,
		desc: prometheus.NewDesc(
			"wraith_security_events_total",
			"Cumulative count of recorded security events by kind.",
			[]string{"kind"}, nil,
		),
	}
}

func (c *MetricsCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.desc
}

func (c *MetricsCollector) Collect(metrics chan<- prometheus.Metric) {
	for kind, count := range c.m.Counts() {
		metrics <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(count), kind.String())
	}
}
