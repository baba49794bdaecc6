package metrics

import (
	"contentdb/src/buffermgr"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contentdb"

// Outcome labels for QueriesTotal
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the collectors updated by the query engine
type Metrics struct {
	QueriesTotal       *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	DocumentsLoaded    *prometheus.CounterVec
	ReferencesResolved prometheus.Counter
	CyclesSkipped      prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests and one-shot CLI runs want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries executed, by content type and outcome.",
		}, []string{"content_type", "outcome"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time spent executing a query.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"content_type"}),
		DocumentsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_loaded_total",
			Help:      "Documents parsed from snapshot files, by load mode.",
		}, []string{"mode"}),
		ReferencesResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "references_resolved_total",
			Help:      "Referenced documents substituted into results.",
		}),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_cycles_skipped_total",
			Help:      "Reference uids dropped because they would close a cycle.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.QueriesTotal, m.QueryDuration, m.DocumentsLoaded, m.ReferencesResolved, m.CyclesSkipped)
	}

	return m
}

// RegisterBufferPool exposes the pool counters on reg
func RegisterBufferPool(reg prometheus.Registerer, pool *buffermgr.BufferPool) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer_pool",
			Name:      "hits_total",
			Help:      "Snapshot file reads served from the buffer pool.",
		}, func() float64 { return float64(pool.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer_pool",
			Name:      "misses_total",
			Help:      "Snapshot file reads that went to disk.",
		}, func() float64 { return float64(pool.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer_pool",
			Name:      "evictions_total",
			Help:      "Buffers evicted by the clock sweep.",
		}, func() float64 { return float64(pool.Stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer_pool",
			Name:      "resident_files",
			Help:      "Files currently held in the buffer pool.",
		}, func() float64 { return float64(pool.Stats().Resident) }),
	)
}
