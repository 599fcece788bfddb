package reader

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ctrigger_reader"

// Collector is a prometheus.Collector that collects metrics about a
// State's FetchBatch calls.
type Collector struct {
	rowsFetched   prometheus.Counter
	rowsPoisoned  prometheus.Counter
	fetchDuration prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		rowsFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_fetched_total",
				Help:      "The number of change rows returned by FetchBatch.",
			},
		),
		rowsPoisoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_poisoned_total",
				Help:      "The number of rows excluded from a batch for exceeding MaxDequeueCount.",
			},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_duration_seconds",
				Help:      "The time taken by a single FetchBatch call.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.rowsFetched.Describe(ch)
	c.rowsPoisoned.Describe(ch)
	c.fetchDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.rowsFetched.Collect(ch)
	c.rowsPoisoned.Collect(ch)
	c.fetchDuration.Collect(ch)
}
