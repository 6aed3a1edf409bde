// Package metrics exposes the search-folder engine's counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels for transaction metrics.
const (
	OpRebuild = "rebuild"
	OpClear   = "clear"
	OpUpdate  = "update"
)

// Rebuild result labels.
const (
	ResultCompleted = "completed"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

// Metrics receives engine observations.
type Metrics interface {
	EventReported()
	EventsProcessed(kind string, n int)
	TxRetry(op string)
	TxFailure(op string)
	RebuildFinished(result string, d time.Duration)
	EvalError()
	QueueDepth(n int)
	ActiveSearches(n int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) EventReported()                                 {}
func (NoopMetrics) EventsProcessed(kind string, n int)             {}
func (NoopMetrics) TxRetry(op string)                              {}
func (NoopMetrics) TxFailure(op string)                            {}
func (NoopMetrics) RebuildFinished(result string, d time.Duration) {}
func (NoopMetrics) EvalError()                                     {}
func (NoopMetrics) QueueDepth(n int)                               {}
func (NoopMetrics) ActiveSearches(n int)                           {}

// Prometheus implements Metrics with prometheus collectors.
type Prometheus struct {
	eventsReported  prometheus.Counter
	eventsProcessed *prometheus.CounterVec
	txRetries       *prometheus.CounterVec
	txFailures      *prometheus.CounterVec
	rebuilds        *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	evalErrors      prometheus.Counter
	queueDepth      prometheus.Gauge
	activeSearches  prometheus.Gauge
}

var _ Metrics = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	m := &Prometheus{
		eventsReported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchfolder_events_reported_total",
			Help: "The total number of object change events reported",
		}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchfolder_events_processed_total",
			Help: "The total number of object change events processed",
		}, []string{"kind"}),
		txRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchfolder_tx_retries_total",
			Help: "The total number of transactions retried after a transient conflict",
		}, []string{"op"}),
		txFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchfolder_tx_failures_total",
			Help: "The total number of transactions abandoned after exhausting retries",
		}, []string{"op"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchfolder_rebuilds_total",
			Help: "The total number of finished rebuilds",
		}, []string{"result"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searchfolder_rebuild_duration_seconds",
			Help:    "The duration of search folder rebuilds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		evalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchfolder_eval_errors_total",
			Help: "The total number of restriction evaluation errors",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchfolder_queue_depth",
			Help: "The current number of queued change events",
		}),
		activeSearches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchfolder_active_searches",
			Help: "The current number of registered search folders",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.eventsReported, m.eventsProcessed, m.txRetries, m.txFailures,
		m.rebuilds, m.rebuildDuration, m.evalErrors, m.queueDepth, m.activeSearches,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Prometheus) EventReported() { m.eventsReported.Inc() }

func (m *Prometheus) EventsProcessed(kind string, n int) {
	m.eventsProcessed.WithLabelValues(kind).Add(float64(n))
}

func (m *Prometheus) TxRetry(op string)   { m.txRetries.WithLabelValues(op).Inc() }
func (m *Prometheus) TxFailure(op string) { m.txFailures.WithLabelValues(op).Inc() }

func (m *Prometheus) RebuildFinished(result string, d time.Duration) {
	m.rebuilds.WithLabelValues(result).Inc()
	m.rebuildDuration.Observe(d.Seconds())
}

func (m *Prometheus) EvalError()           { m.evalErrors.Inc() }
func (m *Prometheus) QueueDepth(n int)     { m.queueDepth.Set(float64(n)) }
func (m *Prometheus) ActiveSearches(n int) { m.activeSearches.Set(float64(n)) }
