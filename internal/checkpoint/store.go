// Package checkpoint persists in-progress migration state, the pre-migration
// backup snapshot, the per-user completion marker and the attempt history.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/metrics"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// Fixed keys in the backend key space.
const (
	CheckpointKey      = "migration_checkpoint"
	BackupKey          = "migration_backup"
	HistoryKey         = "migration_history"
	completedKeyPrefix = "migration_completed:"
)

// SchemaVersion is bumped whenever the step sequence or checkpoint layout
// changes. A stored checkpoint with a different version is not resumed.
const SchemaVersion = 1

var (
	// ErrNoCheckpoint is returned when resume or rollback finds nothing stored.
	ErrNoCheckpoint = errors.New("no migration checkpoint")
	// ErrSchemaMismatch is returned when a stored checkpoint was written by a
	// different checkpoint schema version.
	ErrSchemaMismatch = errors.New("checkpoint schema version mismatch")
)

// Status of a stored checkpoint
type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
	StatusRolledBack  Status = "rolled_back"
)

// Resumable reports whether a checkpoint in this status can be continued.
// A failed checkpoint is kept precisely so it can be retried.
func (s Status) Resumable() bool {
	switch s {
	case StatusInProgress, StatusInterrupted, StatusFailed:
		return true
	default:
		return false
	}
}

// StepError records one failure in the checkpoint's error list.
type StepError struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is the durable record of one migration attempt.
type Checkpoint struct {
	SchemaVersion      int               `json:"schema_version"`
	MigrationID        string            `json:"migration_id"`
	UserID             string            `json:"user_id"`
	Steps              []string          `json:"steps"`
	CurrentStepIndex   int               `json:"current_step_index"`
	CurrentStepName    string            `json:"current_step_name"`
	CompletedSteps     []string          `json:"completed_steps"`
	FailedSteps        []string          `json:"failed_steps"`
	StartTime          time.Time         `json:"start_time"`
	LastCheckpointTime time.Time         `json:"last_checkpoint_time"`
	Status             Status            `json:"status"`
	BackupCreated      bool              `json:"backup_created"`
	Errors             []StepError       `json:"errors"`
	Resolutions        map[string]string `json:"resolutions,omitempty"`
}

// IsCompleted reports whether step is already recorded as done.
func (c *Checkpoint) IsCompleted(step string) bool {
	return slices.Contains(c.CompletedSteps, step)
}

// Resumable reports whether this checkpoint can be continued by resume.
func (c *Checkpoint) Resumable() bool {
	return c != nil && c.Status.Resumable()
}

// AddError appends a step failure.
func (c *Checkpoint) AddError(step, msg string, at time.Time) {
	c.Errors = append(c.Errors, StepError{Step: step, Message: msg, Timestamp: at})
	if !slices.Contains(c.FailedSteps, step) {
		c.FailedSteps = append(c.FailedSteps, step)
	}
}

// SameSteps reports whether the checkpoint was created for the given step sequence.
func (c *Checkpoint) SameSteps(steps []string) bool {
	return slices.Equal(c.Steps, steps)
}

// Backup wraps the snapshot taken before the first remote write.
type Backup struct {
	MigrationID string            `json:"migration_id"`
	UserID      string            `json:"user_id"`
	CreatedAt   time.Time         `json:"created_at"`
	Snapshot    *profile.Snapshot `json:"snapshot"`
}

// CorruptError describes a persisted value that could not be parsed.
// Store treats it as absence and only logs it.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint corrupt: %s: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// OwnershipError is returned when a stored checkpoint belongs to another
// user or another step sequence.
type OwnershipError struct {
	StoredUser    string
	RequestedUser string
	Reason        string
}

func (e *OwnershipError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("checkpoint ownership mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("checkpoint ownership mismatch: checkpoint belongs to %q, not %q", e.StoredUser, e.RequestedUser)
}

// Store reads and writes checkpoint, backup and completion marker values.
type Store struct {
	backend Backend
	now     func() time.Time
}

// NewStore creates a store on top of backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// Backend returns the underlying key-value backend.
func (s *Store) Backend() Backend { return s.backend }

// Load returns the stored checkpoint, or nil if none exists or the stored
// value cannot be parsed.
func (s *Store) Load() (*Checkpoint, error) {
	var cp Checkpoint
	ok, err := s.loadJSON(CheckpointKey, &cp)
	if err != nil || !ok {
		return nil, err
	}
	return &cp, nil
}

// Save persists cp, replacing any previous checkpoint.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.SchemaVersion == 0 {
		cp.SchemaVersion = SchemaVersion
	}
	if err := s.saveJSON(CheckpointKey, cp); err != nil {
		return err
	}
	metrics.RecordCheckpointSaved(cp.LastCheckpointTime)
	return nil
}

// Clear removes the checkpoint.
func (s *Store) Clear() error {
	return s.backend.Delete(CheckpointKey)
}

// SaveBackup persists the pre-migration snapshot.
func (s *Store) SaveBackup(b *Backup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	return s.saveJSON(BackupKey, b)
}

// LoadBackup returns the stored backup, or nil if none exists or it cannot be parsed.
func (s *Store) LoadBackup() (*Backup, error) {
	var b Backup
	ok, err := s.loadJSON(BackupKey, &b)
	if err != nil || !ok {
		return nil, err
	}
	if b.Snapshot == nil {
		logging.Warn("%v", &CorruptError{Key: BackupKey, Err: errors.New("missing snapshot")})
		metrics.RecordCheckpointCorrupt()
		return nil, nil
	}
	return &b, nil
}

// ClearBackup removes the backup.
func (s *Store) ClearBackup() error {
	return s.backend.Delete(BackupKey)
}

// HasBackup reports whether a backup value is stored.
func (s *Store) HasBackup() (bool, error) {
	_, ok, err := s.backend.Get(BackupKey)
	return ok, err
}

// MarkCompleted records that userID has been migrated successfully.
func (s *Store) MarkCompleted(userID, migrationID string) error {
	marker := struct {
		MigrationID string    `json:"migration_id"`
		CompletedAt time.Time `json:"completed_at"`
	}{migrationID, s.now().UTC()}
	return s.saveJSON(completedKeyPrefix+userID, marker)
}

// Completed reports whether userID has a completion marker.
func (s *Store) Completed(userID string) (bool, error) {
	_, ok, err := s.backend.Get(completedKeyPrefix + userID)
	return ok, err
}

// ClearCompleted removes the completion marker, allowing a new migration.
func (s *Store) ClearCompleted(userID string) error {
	return s.backend.Delete(completedKeyPrefix + userID)
}

func (s *Store) saveJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.backend.Set(key, data); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

// loadJSON decodes key into v. A parse failure is logged and reported as absence.
func (s *Store) loadJSON(key string, v any) (bool, error) {
	data, ok, err := s.backend.Get(key)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		logging.Warn("%v", &CorruptError{Key: key, Err: err})
		metrics.RecordCheckpointCorrupt()
		return false, nil
	}
	return true, nil
}
