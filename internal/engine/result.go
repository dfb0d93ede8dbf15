package engine

import (
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// Progress is emitted after every completed step.
type Progress struct {
	MigrationID string    `json:"migration_id"`
	UserID      string    `json:"user_id"`
	StepIndex   int       `json:"step_index"`
	StepName    string    `json:"step_name"`
	TotalSteps  int       `json:"total_steps"`
	Completed   int       `json:"completed_steps"`
	Percent     float64   `json:"percent"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Result is the outcome of a start or resume.
type Result struct {
	MigrationID    string                 `json:"migration_id"`
	UserID         string                 `json:"user_id"`
	Success        bool                   `json:"success"`
	Cancelled      bool                   `json:"cancelled,omitempty"`
	Migrated       map[profile.Kind]bool  `json:"migrated"`
	CompletedSteps []string               `json:"completed_steps"`
	Errors         []checkpoint.StepError `json:"errors,omitempty"`
	Warnings       []string               `json:"warnings,omitempty"`
	Conflicts      []conflict.Conflict    `json:"conflicts,omitempty"`
	Resolutions    []conflict.Resolution  `json:"resolutions,omitempty"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	BackupCreated  bool                   `json:"backup_created"`

	// Err is the error that stopped the run, if any.
	Err error `json:"-"`
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Counts returns migrated sections as 0/1 per section name.
func (r *Result) Counts() map[string]int {
	out := make(map[string]int, len(r.Migrated))
	for k, ok := range r.Migrated {
		if ok {
			out[string(k)] = 1
		} else {
			out[string(k)] = 0
		}
	}
	return out
}

// StepRollback is the outcome of cleaning one upload step's remote rows.
type StepRollback struct {
	Step    string `json:"step"`
	Table   string `json:"table"`
	Deleted int64  `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// Orphaned reports whether rows may still be left in the table.
func (s StepRollback) Orphaned() bool { return s.Error != "" }

// RollbackResult is the outcome of a rollback.
type RollbackResult struct {
	MigrationID   string         `json:"migration_id"`
	UserID        string         `json:"user_id"`
	Success       bool           `json:"success"`
	LocalRestored bool           `json:"local_restored"`
	RestoreError  string         `json:"restore_error,omitempty"`
	Steps         []StepRollback `json:"steps"`
	Warnings      []string       `json:"warnings,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
}

// OrphanedTables lists tables whose cleanup failed.
func (r *RollbackResult) OrphanedTables() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Orphaned() {
			out = append(out, s.Table)
		}
	}
	return out
}
