package filevault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "filevault"

// Collector is a prometheus.Collector with per-operation vault metrics.
// Register it with a prometheus.Registerer and pass it to New with
// WithCollector.
type Collector struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	uploadBytes prometheus.Counter
	sweepFound  *prometheus.GaugeVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "The number of vault operations by outcome.",
			}, []string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "The time taken by vault operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"},
		),
		uploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upload_bytes_total",
				Help:      "The number of content bytes committed by uploads.",
			},
		),
		sweepFound: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_found",
				Help:      "Inconsistencies found by the last sweep.",
			}, []string{"kind"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.duration.Describe(ch)
	c.uploadBytes.Describe(ch)
	c.sweepFound.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.duration.Collect(ch)
	c.uploadBytes.Collect(ch)
	c.sweepFound.Collect(ch)
}

// observe is deferred by Vault methods; err points at the named result.
func (c *Collector) observe(op string, start time.Time, err *error) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(op, Kind(*err)).Inc()
	c.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Collector) uploaded(n int64) {
	if c == nil {
		return
	}
	c.uploadBytes.Add(float64(n))
}

func (c *Collector) swept(r *SweepReport) {
	if c == nil || r == nil {
		return
	}
	c.sweepFound.WithLabelValues("orphan_blob").Set(float64(len(r.OrphanBlobs)))
	c.sweepFound.WithLabelValues("dangling_record").Set(float64(len(r.DanglingRecords)))
	c.sweepFound.WithLabelValues("stale_temp").Set(float64(len(r.StaleTemp)))
}
