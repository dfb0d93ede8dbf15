package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
)

// ProgressUpdate is one JSON progress line for automation.
type ProgressUpdate struct {
	Timestamp     string  `json:"timestamp"`
	Phase         string  `json:"phase"`
	MigrationID   string  `json:"migration_id,omitempty"`
	StepsComplete int     `json:"steps_complete"`
	StepsTotal    int     `json:"steps_total"`
	CurrentStep   string  `json:"current_step,omitempty"`
	ProgressPct   float64 `json:"progress_pct"`
	Message       string  `json:"message,omitempty"`
	ConflictCount int     `json:"conflict_count,omitempty"`
	ErrorCount    int     `json:"error_count,omitempty"`
}

// FromProgress converts an engine progress event.
func FromProgress(p engine.Progress) ProgressUpdate {
	return ProgressUpdate{
		Timestamp:     p.Timestamp.Format(time.RFC3339),
		Phase:         "migrating",
		MigrationID:   p.MigrationID,
		StepsComplete: p.Completed,
		StepsTotal:    p.TotalSteps,
		CurrentStep:   p.StepName,
		ProgressPct:   p.Percent,
		Message:       p.Message,
	}
}

// FromResult converts a finished run into the final update.
func FromResult(r *engine.Result) ProgressUpdate {
	phase := "completed"
	switch {
	case r.Cancelled:
		phase = "interrupted"
	case !r.Success:
		phase = "failed"
	}
	total := len(engine.Steps)
	u := ProgressUpdate{
		Timestamp:     r.EndTime.Format(time.RFC3339),
		Phase:         phase,
		MigrationID:   r.MigrationID,
		StepsComplete: len(r.CompletedSteps),
		StepsTotal:    total,
		ProgressPct:   float64(len(r.CompletedSteps)) / float64(total) * 100,
		ConflictCount: len(r.Conflicts),
		ErrorCount:    len(r.Errors),
	}
	if r.Err != nil {
		u.Message = r.Err.Error()
	}
	return u
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update, throttled by the configured interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for phase changes and the final result.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}
