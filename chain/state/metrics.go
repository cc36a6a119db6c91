package state

import (
	"time"

	"github.com/crytic/forkdb/chain/state/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metricer records the activity of a ForkDB.
type Metricer interface {
	// RecordCacheLookup records a read served from (hit) or missing from (miss) the remote cache tier.
	RecordCacheLookup(kind cache.Kind, hit bool)

	// RecordRemoteFetch records a completed remote request and its outcome.
	RecordRemoteFetch(kind cache.Kind, duration time.Duration, err error)

	// RecordOverrideWrite records a local write.
	RecordOverrideWrite(kind cache.Kind)

	// RecordSnapshotOp records a snapshot, revert or drop.
	RecordSnapshotOp(op string)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ Metricer = NoopMetrics{}

func (NoopMetrics) RecordCacheLookup(cache.Kind, bool)                 {}
func (NoopMetrics) RecordRemoteFetch(cache.Kind, time.Duration, error) {}
func (NoopMetrics) RecordOverrideWrite(cache.Kind)                     {}
func (NoopMetrics) RecordSnapshotOp(string)                            {}

// Metrics is a Metricer reporting to Prometheus.
type Metrics struct {
	cacheLookupsTotal   *prometheus.CounterVec
	remoteFetchesTotal  *prometheus.CounterVec
	remoteFetchDuration *prometheus.HistogramVec
	overrideWritesTotal *prometheus.CounterVec
	snapshotOpsTotal    *prometheus.CounterVec
}

var _ Metricer = (*Metrics)(nil)

// NewMetrics creates Metrics under the namespace ns and registers them with registerer. A nil registerer leaves
// the metrics unregistered.
func NewMetrics(ns string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		cacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Reads resolved against the remote cache tier, by kind and result",
		}, []string{"kind", "result"}),
		remoteFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "remote",
			Name:      "fetches_total",
			Help:      "Remote requests issued after coalescing, by kind and outcome",
		}, []string{"kind", "outcome"}),
		remoteFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "remote",
			Name:      "fetch_duration_seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			Help:      "Histogram of remote request durations",
		}, []string{"kind"}),
		overrideWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "override",
			Name:      "writes_total",
			Help:      "Local writes to the override layer, by kind",
		}, []string{"kind"}),
		snapshotOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Snapshot operations, by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) RecordCacheLookup(kind cache.Kind, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) RecordRemoteFetch(kind cache.Kind, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.remoteFetchesTotal.WithLabelValues(kind.String(), outcome).Inc()
	m.remoteFetchDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

func (m *Metrics) RecordOverrideWrite(kind cache.Kind) {
	m.overrideWritesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordSnapshotOp(op string) {
	m.snapshotOpsTotal.WithLabelValues(op).Inc()
}
