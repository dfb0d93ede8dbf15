// Package engine runs the ordered, checkpointed migration of a user's local
// profile into the remote store, and rolls it back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/metrics"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
	"github.com/johndauphine/fitsync-migrate/internal/remote"
)

var (
	// ErrCancelled ends a run that was cancelled between steps.
	ErrCancelled = errors.New("migration cancelled")
	// ErrNotResumable is returned by Resume for a checkpoint that was rolled back.
	ErrNotResumable = errors.New("checkpoint is not resumable")
	// ErrBackupUnavailable marks a run or rollback without a usable backup.
	ErrBackupUnavailable = errors.New("backup unavailable")
	// ErrIncompleteMigration is returned by Start while the user's previous
	// run can still be resumed. Its backup is the only pre-migration copy.
	ErrIncompleteMigration = errors.New("an incomplete migration exists; resume or roll it back first")
)

// LocalStore is the on-device data the engine migrates from.
type LocalStore interface {
	HasLocalData(ctx context.Context) (bool, error)
	LoadSection(ctx context.Context, kind profile.Kind) (profile.Section, error)
	SaveSection(ctx context.Context, sec profile.Section) error
	ExportAll(ctx context.Context) (*profile.Snapshot, error)
	ImportAll(ctx context.Context, snap *profile.Snapshot) error
}

// Options control one start or resume.
type Options struct {
	// Resolutions are explicit strategies keyed by conflict ID. They are
	// stored in the checkpoint and carried over to later resumes.
	Resolutions map[string]conflict.Strategy
	// Strategy resolves conflicts without an explicit or automatic
	// resolution. Empty or manual leaves them unresolved.
	Strategy conflict.Strategy
	// OnProgress is called after every completed step.
	OnProgress func(Progress)
}

// Engine migrates one user at a time. It holds no per-run state; every run
// is driven by the checkpoint it is given.
type Engine struct {
	local  LocalStore
	remote remote.Store
	store  *checkpoint.Store
	now    func() time.Time
}

// New creates an engine. Wrap rs in remote.NewRetrying to retry transient failures.
func New(local LocalStore, rs remote.Store, store *checkpoint.Store) *Engine {
	return &Engine{
		local:  local,
		remote: rs,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start begins a new migration for userID at the first step. A resumable
// checkpoint blocks it: the caller has to resume or roll back instead.
func (e *Engine) Start(ctx context.Context, userID string, opts Options) (*Result, error) {
	existing, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if existing.Resumable() {
		if existing.UserID != userID {
			return nil, &checkpoint.OwnershipError{StoredUser: existing.UserID, RequestedUser: userID}
		}
		if !existing.SameSteps(Steps) {
			return nil, &checkpoint.OwnershipError{
				StoredUser:    existing.UserID,
				RequestedUser: userID,
				Reason:        "stored checkpoint was created for a different step sequence",
			}
		}
		return nil, fmt.Errorf("%w: checkpoint %s is %s", ErrIncompleteMigration, existing.MigrationID, existing.Status)
	}

	now := e.now()
	cp := &checkpoint.Checkpoint{
		SchemaVersion:      checkpoint.SchemaVersion,
		MigrationID:        uuid.NewString(),
		UserID:             userID,
		Steps:              append([]string(nil), Steps...),
		CurrentStepName:    Steps[0],
		CompletedSteps:     []string{},
		FailedSteps:        []string{},
		StartTime:          now,
		LastCheckpointTime: now,
		Status:             checkpoint.StatusInProgress,
		Errors:             []checkpoint.StepError{},
	}
	mergeResolutions(cp, opts.Resolutions)
	if err := e.store.Save(cp); err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}
	logging.Info("Starting migration %s for user %s", cp.MigrationID, userID)
	return e.run(ctx, cp, 0, opts)
}

// Resume continues the stored checkpoint for userID from its current step.
// Steps already completed are never executed again.
func (e *Engine) Resume(ctx context.Context, userID string, opts Options) (*Result, error) {
	cp, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp == nil {
		return nil, checkpoint.ErrNoCheckpoint
	}
	if cp.SchemaVersion != checkpoint.SchemaVersion || !cp.SameSteps(Steps) {
		return nil, fmt.Errorf("%w: stored version %d, steps %v", checkpoint.ErrSchemaMismatch, cp.SchemaVersion, cp.Steps)
	}
	if cp.UserID != userID {
		return nil, &checkpoint.OwnershipError{StoredUser: cp.UserID, RequestedUser: userID}
	}
	if !cp.Resumable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotResumable, cp.Status)
	}

	cp.Status = checkpoint.StatusInProgress
	cp.LastCheckpointTime = e.now()
	mergeResolutions(cp, opts.Resolutions)
	if err := e.store.Save(cp); err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}
	logging.Info("Resuming migration %s at step %d (%s), %d of %d steps done",
		cp.MigrationID, cp.CurrentStepIndex, cp.CurrentStepName, len(cp.CompletedSteps), len(cp.Steps))
	return e.run(ctx, cp, cp.CurrentStepIndex, opts)
}

func mergeResolutions(cp *checkpoint.Checkpoint, in map[string]conflict.Strategy) {
	if len(in) == 0 {
		return
	}
	if cp.Resolutions == nil {
		cp.Resolutions = make(map[string]string, len(in))
	}
	for id, st := range in {
		cp.Resolutions[id] = string(st)
	}
}

// run executes cp.Steps from startIndex. Step failures end up in the result;
// only checkpoint persistence failures are returned as errors.
func (e *Engine) run(ctx context.Context, cp *checkpoint.Checkpoint, startIndex int, opts Options) (*Result, error) {
	res := &Result{
		MigrationID:   cp.MigrationID,
		UserID:        cp.UserID,
		Migrated:      make(map[profile.Kind]bool),
		StartTime:     e.now(),
		BackupCreated: cp.BackupCreated,
	}
	finish := func() *Result {
		res.EndTime = e.now()
		res.CompletedSteps = append([]string(nil), cp.CompletedSteps...)
		res.BackupCreated = cp.BackupCreated
		return res
	}

	total := len(cp.Steps)
	for i := startIndex; i < total; i++ {
		step := cp.Steps[i]
		if cp.IsCompleted(step) {
			logging.Debug("Skipping completed step %s", step)
			continue
		}

		if ctx.Err() != nil {
			cp.Status = checkpoint.StatusInterrupted
			cp.LastCheckpointTime = e.now()
			if err := e.store.Save(cp); err != nil {
				return finish(), fmt.Errorf("saving checkpoint: %w", err)
			}
			logging.Warn("Migration %s interrupted before step %s", cp.MigrationID, step)
			res.Cancelled = true
			res.Err = ErrCancelled
			return finish(), nil
		}

		cp.CurrentStepIndex = i
		cp.CurrentStepName = step
		cp.LastCheckpointTime = e.now()
		if err := e.store.Save(cp); err != nil {
			return finish(), fmt.Errorf("saving checkpoint: %w", err)
		}

		// A step that has started runs to completion even if the run is cancelled.
		stepCtx := context.WithoutCancel(ctx)
		began := time.Now()
		msg, err := e.execute(stepCtx, cp, step, opts, res)
		metrics.ObserveStep(step, time.Since(began), err)

		if err != nil {
			logging.Error("Step %s failed: %v", step, err)
			cp.AddError(step, err.Error(), e.now())
			cp.Status = checkpoint.StatusFailed
			cp.LastCheckpointTime = e.now()
			if serr := e.store.Save(cp); serr != nil {
				return finish(), fmt.Errorf("saving checkpoint after %s failed: %w", step, serr)
			}
			res.Errors = append([]checkpoint.StepError(nil), cp.Errors...)
			res.Err = err
			return finish(), nil
		}

		cp.CompletedSteps = append(cp.CompletedSteps, step)
		cp.CurrentStepIndex = i + 1
		if i+1 < total {
			cp.CurrentStepName = cp.Steps[i+1]
		}
		cp.LastCheckpointTime = e.now()
		if err := e.store.Save(cp); err != nil {
			return finish(), fmt.Errorf("saving checkpoint: %w", err)
		}
		logging.Info("[%d/%d] %s: %s", len(cp.CompletedSteps), total, step, msg)

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				MigrationID: cp.MigrationID,
				UserID:      cp.UserID,
				StepIndex:   i,
				StepName:    step,
				TotalSteps:  total,
				Completed:   len(cp.CompletedSteps),
				Percent:     float64(len(cp.CompletedSteps)) / float64(total) * 100,
				Message:     msg,
				Timestamp:   cp.LastCheckpointTime,
			})
		}
	}

	if err := e.store.Clear(); err != nil {
		logging.Warn("Clearing checkpoint: %v", err)
	}
	if err := e.store.ClearBackup(); err != nil {
		logging.Warn("Clearing backup: %v", err)
	}
	res.Success = true
	logging.Info("Migration %s completed", cp.MigrationID)
	return finish(), nil
}

func (e *Engine) execute(ctx context.Context, cp *checkpoint.Checkpoint, step string, opts Options, res *Result) (string, error) {
	if kind, ok := SectionForStep(step); ok {
		return e.upload(ctx, cp, kind, opts, res)
	}
	switch step {
	case StepValidate:
		return e.validateAll(ctx, res)
	case StepBackup:
		return e.backup(ctx, cp, res), nil
	case StepComplete:
		if err := e.store.MarkCompleted(cp.UserID, cp.MigrationID); err != nil {
			return "", fmt.Errorf("marking migration complete: %w", err)
		}
		return "migration complete", nil
	default:
		return "", fmt.Errorf("unknown step %q", step)
	}
}

// backup snapshots local data before the first remote write. A failure
// degrades rollback but does not stop the migration.
func (e *Engine) backup(ctx context.Context, cp *checkpoint.Checkpoint, res *Result) string {
	snap, err := e.local.ExportAll(ctx)
	if err == nil {
		err = e.store.SaveBackup(&checkpoint.Backup{
			MigrationID: cp.MigrationID,
			UserID:      cp.UserID,
			CreatedAt:   e.now(),
			Snapshot:    snap,
		})
	}
	if err != nil {
		cp.BackupCreated = false
		warning := fmt.Sprintf("%v: %v", ErrBackupUnavailable, err)
		logging.Warn("Backup failed, rollback will not restore local data: %v", err)
		res.Warnings = append(res.Warnings, warning)
		return "backup skipped"
	}
	cp.BackupCreated = true
	return fmt.Sprintf("backed up %d sections and %d records", len(snap.Sections), snap.RecordCount())
}
