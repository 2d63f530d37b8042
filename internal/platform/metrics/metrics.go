package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	PointersCreated  prometheus.Counter
	PointersResolved prometheus.Counter
	PointersOrphaned prometheus.Counter
	GateDenials      prometheus.Counter
	ChainConflicts   prometheus.Counter
	ReceiptAppend    prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		PointersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veto_pointers_created_total",
			Help: "Total number of pointers created",
		}),
		PointersResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veto_pointers_resolved_total",
			Help: "Total number of successful pointer resolutions",
		}),
		PointersOrphaned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veto_pointers_orphaned_total",
			Help: "Total number of pointers orphaned",
		}),
		GateDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veto_gate_denials_total",
			Help: "Total number of resolutions denied because the pointer is orphaned",
		}),
		ChainConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veto_chain_conflicts_total",
			Help: "Total number of receipt appends lost to a concurrent writer",
		}),
		ReceiptAppend: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veto_receipt_append_seconds",
			Help:    "Latency of building and persisting one signed receipt",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveReceiptAppend records the latency of one receipt append. Nil-safe so
// services constructed without metrics (tests) do not branch at call sites.
func (m *Metrics) ObserveReceiptAppend(start time.Time) {
	if m == nil {
		return
	}
	m.ReceiptAppend.Observe(time.Since(start).Seconds())
}

// IncPointersCreated increments the created counter; nil-safe.
func (m *Metrics) IncPointersCreated() {
	if m != nil {
		m.PointersCreated.Inc()
	}
}

// IncPointersResolved increments the resolved counter; nil-safe.
func (m *Metrics) IncPointersResolved() {
	if m != nil {
		m.PointersResolved.Inc()
	}
}

// IncPointersOrphaned increments the orphaned counter; nil-safe.
func (m *Metrics) IncPointersOrphaned() {
	if m != nil {
		m.PointersOrphaned.Inc()
	}
}

// IncGateDenials increments the gate denial counter; nil-safe.
func (m *Metrics) IncGateDenials() {
	if m != nil {
		m.GateDenials.Inc()
	}
}

// IncChainConflicts increments the chain conflict counter; nil-safe.
func (m *Metrics) IncChainConflicts() {
	if m != nil {
		m.ChainConflicts.Inc()
	}
}
