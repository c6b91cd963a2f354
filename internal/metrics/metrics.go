// Package metrics exports queue activity as Prometheus metrics.
//
// A nil *Metrics records nothing, so callers can pass it around without
// checking whether metrics are enabled.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/rollq/pkg/queue"
)

const namespace = "rollq"

// Metrics holds the queue collectors. It implements [queue.Recorder].
type Metrics struct {
	appends    *prometheus.CounterVec
	reads      *prometheus.CounterVec
	rolls      prometheus.Counter
	recoveries *prometheus.CounterVec
	lockForced *prometheus.CounterVec
	lockWait   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Records committed, by roll cycle.",
		}, []string{"cycle"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Records consumed by tailers, by roll cycle.",
		}, []string{"cycle"}),
		rolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rolls_total",
			Help:      "Times an appender moved the queue to a new cycle.",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Segment tail repairs, by kind.",
		}, []string{"kind"}),
		lockForced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_forced_total",
			Help:      "Write locks taken without the holder releasing them, by reason.",
		}, []string{"lock", "reason"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring a write lock.",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1, 10},
		}, []string{"lock"}),
	}

	if reg != nil {
		reg.MustRegister(m.appends, m.reads, m.rolls, m.recoveries, m.lockForced, m.lockWait)
	}

	return m
}

// Appended counts a committed record.
func (m *Metrics) Appended(cycle int64) {
	if m == nil {
		return
	}

	m.appends.WithLabelValues(strconv.FormatInt(cycle, 10)).Inc()
}

// Read counts a consumed record.
func (m *Metrics) Read(cycle int64) {
	if m == nil {
		return
	}

	m.reads.WithLabelValues(strconv.FormatInt(cycle, 10)).Inc()
}

// Rolled counts a cycle roll.
func (m *Metrics) Rolled(_, _ int64) {
	if m == nil {
		return
	}

	m.rolls.Inc()
}

// Recovered counts a segment repair.
func (m *Metrics) Recovered(kind string) {
	if m == nil {
		return
	}

	m.recoveries.WithLabelValues(kind).Inc()
}

// LockAcquired observes how long acquiring the lock took.
func (m *Metrics) LockAcquired(name string, wait time.Duration) {
	if m == nil {
		return
	}

	m.lockWait.WithLabelValues(name).Observe(wait.Seconds())
}

// LockForced counts a forced acquisition.
func (m *Metrics) LockForced(name, reason string) {
	if m == nil {
		return
	}

	m.lockForced.WithLabelValues(name, reason).Inc()
}

// Compile-time interface check.
var _ queue.Recorder = (*Metrics)(nil)
