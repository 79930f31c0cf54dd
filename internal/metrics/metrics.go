// Package metrics exposes Prometheus instrumentation for transfers and
// synchronization. All methods are nil-safe so components can run without
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the transfer machine and reconciler.
type Metrics struct {
	// Transfer transitions by target status
	Transitions *prometheus.CounterVec

	// Mutations delivered to the remote store by entity type
	Pushed *prometheus.CounterVec

	// Reconciliation outcomes: merged, adopted, rebased, rejected, redelivered
	Conflicts *prometheus.CounterVec

	// Mutations moved to the dead-letter set
	DeadLetters prometheus.Counter

	// Live and dead-lettered queue depth
	QueueDepth *prometheus.GaugeVec

	// Remote store call latency by operation
	RemoteLatency *prometheus.HistogramVec

	// Duration of one full drain of the sync queue
	DrainDuration prometheus.Histogram
}

// New creates a Metrics instance registered with reg, or with the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herdtrail_transfer_transitions_total",
			Help: "Transfer state transitions by target status",
		}, []string{"status"}),

		Pushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herdtrail_sync_pushed_total",
			Help: "Mutations acknowledged by the remote store",
		}, []string{"entity_type"}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herdtrail_sync_conflicts_total",
			Help: "Precondition failures by resolution",
		}, []string{"entity_type", "resolution"}),

		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "herdtrail_sync_dead_letters_total",
			Help: "Mutations moved to the dead-letter set",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "herdtrail_sync_queue_depth",
			Help: "Pending mutations by state",
		}, []string{"state"}), // state: "live", "dead"

		RemoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herdtrail_remote_request_duration_seconds",
			Help:    "Duration of remote store requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),

		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "herdtrail_sync_drain_duration_seconds",
			Help:    "Duration of one sync queue drain",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// IncrementTransition records a transfer entering status.
func (m *Metrics) IncrementTransition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

// IncrementPushed records an acknowledged mutation.
func (m *Metrics) IncrementPushed(entityType string) {
	if m != nil {
		m.Pushed.WithLabelValues(entityType).Inc()
	}
}

// IncrementConflict records how a precondition failure was resolved.
func (m *Metrics) IncrementConflict(entityType, resolution string) {
	if m != nil {
		m.Conflicts.WithLabelValues(entityType, resolution).Inc()
	}
}

// IncrementDeadLetter records a dead-lettered mutation.
func (m *Metrics) IncrementDeadLetter() {
	if m != nil {
		m.DeadLetters.Inc()
	}
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(live, dead int) {
	if m != nil {
		m.QueueDepth.WithLabelValues("live").Set(float64(live))
		m.QueueDepth.WithLabelValues("dead").Set(float64(dead))
	}
}

// ObserveRemote records the duration of a remote store call.
func (m *Metrics) ObserveRemote(op string, d time.Duration) {
	if m != nil {
		m.RemoteLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}

// ObserveDrain records the duration of a full drain.
func (m *Metrics) ObserveDrain(d time.Duration) {
	if m != nil {
		m.DrainDuration.Observe(d.Seconds())
	}
}
