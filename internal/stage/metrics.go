package stage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/seqcommit/internal/ordered"
)

const (
	metricsNamespace = "seqcommit"
	stageSubsystem   = "stage"
)

// Metrics are the stage loop's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// CommitLag is maxSeenSeq - nextCommitSeq.
	CommitLag prometheus.Gauge

	// PendingEnvelopes counts buffered, uncommitted outcomes.
	PendingEnvelopes prometheus.Gauge

	// PendingBytes sums the byte size of buffered payloads.
	PendingBytes prometheus.Gauge

	// Committed counts committed seqs in the current run.
	Committed prometheus.Gauge

	// TargetWindowCost is the adaptive target of the last plan.
	TargetWindowCost prometheus.Gauge

	// Dispatched counts attempts handed to workers.
	Dispatched prometheus.Counter

	// Outcomes counts reported outcomes.
	// Labels: outcome (success, skip, fail, cancel)
	Outcomes *prometheus.CounterVec

	// Retries counts re-dispatched seqs.
	Retries prometheus.Counter

	// ReclaimedLeases counts leases force-failed on expiry.
	ReclaimedLeases prometheus.Counter

	// StaleResults counts results dropped from superseded attempts.
	StaleResults prometheus.Counter

	// ApplyDuration measures each applyResult call.
	ApplyDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: stageSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: stageSubsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		CommitLag:        gauge("commit_lag", "Distance between the highest reported seq and the commit cursor"),
		PendingEnvelopes: gauge("pending_envelopes", "Buffered outcomes waiting for their turn to commit"),
		PendingBytes:     gauge("pending_bytes", "Byte size of buffered payloads"),
		Committed:        gauge("committed", "Seqs committed in the current run"),
		TargetWindowCost: gauge("target_window_cost", "Adaptive target cost of the last planned window"),
		Dispatched:       counter("dispatched_total", "Attempts handed to workers"),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: stageSubsystem,
			Name:      "outcomes_total",
			Help:      "Outcomes reported to the appender",
		}, []string{"outcome"}),
		Retries:         counter("retries_total", "Seqs re-dispatched after a failed attempt"),
		ReclaimedLeases: counter("reclaimed_leases_total", "Leases force-failed after missing heartbeats"),
		StaleResults:    counter("stale_results_total", "Results dropped because their attempt was superseded"),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: stageSubsystem,
			Name:      "apply_duration_seconds",
			Help:      "Duration of each ordered apply call",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}

func (m *Metrics) observe(snap ordered.Snapshot) {
	if m == nil {
		return
	}
	m.CommitLag.Set(float64(snap.CommitLag))
	m.PendingEnvelopes.Set(float64(snap.PendingEnvelopes))
	m.PendingBytes.Set(float64(snap.PendingBytes))
	m.Committed.Set(float64(snap.Commits))
}

func (m *Metrics) outcome(o ordered.Outcome) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) dispatched() {
	if m != nil {
		m.Dispatched.Inc()
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) reclaimed(n int) {
	if m != nil {
		m.ReclaimedLeases.Add(float64(n))
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleResults.Inc()
	}
}

func (m *Metrics) planned(target int64) {
	if m != nil {
		m.TargetWindowCost.Set(float64(target))
	}
}

func (m *Metrics) applied(d time.Duration) {
	if m != nil {
		m.ApplyDuration.Observe(d.Seconds())
	}
}
