package db

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

const metricsNamespace = "caskade"

type metrics struct {
	bytes       prometheus.Counter
	records     *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	rollovers   prometheus.Counter
	dedup       prometheus.Counter
}

func newMetrics(id cake.Cake) *metrics {
	labels := prometheus.Labels{"caskade": id.String()}
	return &metrics{
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "written_bytes_total",
			Help:        "Bytes appended to casks by this process.",
			ConstLabels: labels,
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "records_total",
			Help:        "Records appended, by entry type.",
			ConstLabels: labels,
		}, []string{"type"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "checkpoints_total",
			Help:        "Checkpoints taken, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "rollovers_total",
			Help:        "Casks sealed to make room for a new one.",
			ConstLabels: labels,
		}),
		dedup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dedup_hits_total",
			Help:        "Writes skipped because the content was already stored.",
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) wrote(e *Entry) {
	m.records.WithLabelValues(e.Header.Type.String()).Inc()
	m.bytes.Add(float64(e.Size))
}

func (m *metrics) checkpointed(cp *Checkpoint) {
	m.checkpoints.WithLabelValues(cp.Reason.String()).Inc()
	switch {
	case cp.virtual():
		m.bytes.Add(record.CaskHeaderRecordSize)
	case cp.Reason.Seals():
		m.bytes.Add(record.NextCaskRecordSize + record.CheckpointRecordSize)
	default:
		m.bytes.Add(record.CheckpointRecordSize)
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.bytes, m.records, m.checkpoints, m.rollovers, m.dedup}
}

// Describe implements prometheus.Collector.
func (c *Caskade) Describe(ch chan<- *prometheus.Desc) {
	for _, x := range c.metrics.collectors() {
		x.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Caskade) Collect(ch chan<- prometheus.Metric) {
	for _, x := range c.metrics.collectors() {
		x.Collect(ch)
	}
}
