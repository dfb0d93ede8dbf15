// Package metrics exposes Prometheus instrumentation for migration runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fitsync_migrate"

var (
	attemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "attempts_total",
		Help:      "Migration attempts, labeled by operation (start, resume, rollback) and outcome.",
	}, []string{"operation", "outcome"})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "step_duration_seconds",
		Help:      "Time spent executing a single migration step.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"step"})

	stepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "step_failures_total",
		Help:      "Steps that ended the run with an error, labeled by step.",
	}, []string{"step"})

	conflictsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Conflicts detected between local and remote sections, labeled by type.",
	}, []string{"type"})

	remoteRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "retries_total",
		Help:      "Transient remote failures that were retried, labeled by operation.",
	}, []string{"op"})

	rollbackOrphans = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "rollback_cleanup_failures_total",
		Help:      "Remote tables that could not be cleaned during rollback.",
	})

	checkpointCorrupt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "corrupt_total",
		Help:      "Persisted values that failed to parse and were treated as absent.",
	})

	lastCheckpointGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "last_saved_timestamp_seconds",
		Help:      "Unix timestamp of the most recent checkpoint save.",
	})
)

func init() {
	prometheus.MustRegister(attemptsCounter, stepDuration, stepFailures, conflictsCounter,
		remoteRetries, rollbackOrphans, checkpointCorrupt, lastCheckpointGauge)
}

// RecordAttempt counts a finished manager operation.
func RecordAttempt(operation string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	attemptsCounter.WithLabelValues(operation, outcome).Inc()
}

// ObserveStep records how long a step took and whether it failed.
func ObserveStep(step string, d time.Duration, err error) {
	stepDuration.WithLabelValues(step).Observe(d.Seconds())
	if err != nil {
		stepFailures.WithLabelValues(step).Inc()
	}
}

// RecordConflict counts one detected conflict.
func RecordConflict(conflictType string) {
	conflictsCounter.WithLabelValues(conflictType).Inc()
}

// RecordRetry counts one retried remote call.
func RecordRetry(op string) {
	remoteRetries.WithLabelValues(op).Inc()
}

// RecordRollbackOrphan counts a remote table left dirty by rollback.
func RecordRollbackOrphan() {
	rollbackOrphans.Inc()
}

// RecordCheckpointCorrupt counts an unparsable persisted value.
func RecordCheckpointCorrupt() {
	checkpointCorrupt.Inc()
}

// RecordCheckpointSaved updates the checkpoint watermark gauge.
func RecordCheckpointSaved(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastCheckpointGauge.Set(float64(ts.Unix()))
}
