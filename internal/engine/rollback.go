package engine

import (
	"context"
	"fmt"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/metrics"
	"github.com/johndauphine/fitsync-migrate/internal/remote"
)

// Rollback restores local data from the backup and deletes the remote rows
// written by completed upload steps, newest first. Remote cleanup is best
// effort: failures are collected per step and never stop the remaining
// deletions. The result is successful unless an existing backup could not
// be restored, in which case the backup and checkpoint are kept.
func (e *Engine) Rollback(ctx context.Context, userID string) (*RollbackResult, error) {
	cp, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp == nil {
		return nil, checkpoint.ErrNoCheckpoint
	}
	if cp.UserID != userID {
		return nil, &checkpoint.OwnershipError{StoredUser: cp.UserID, RequestedUser: userID}
	}

	res := &RollbackResult{
		MigrationID: cp.MigrationID,
		UserID:      userID,
		StartTime:   e.now(),
		Steps:       []StepRollback{},
	}
	logging.Info("Rolling back migration %s for user %s", cp.MigrationID, userID)

	backup, err := e.store.LoadBackup()
	if err != nil {
		return nil, fmt.Errorf("loading backup: %w", err)
	}
	restoreFailed := false
	if backup == nil {
		logging.Warn("No backup to restore; local data left as is")
		res.Warnings = append(res.Warnings, fmt.Sprintf("%v: no backup to restore, local data left as is", ErrBackupUnavailable))
	} else if err := e.local.ImportAll(ctx, backup.Snapshot); err != nil {
		logging.Error("Restoring local data from backup: %v", err)
		res.RestoreError = err.Error()
		restoreFailed = true
	} else {
		res.LocalRestored = true
		logging.Info("Restored local data from backup taken %s", backup.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	where := remote.Predicate{remote.ConflictKey: userID}
	for i := len(cp.CompletedSteps) - 1; i >= 0; i-- {
		step := cp.CompletedSteps[i]
		kind, ok := SectionForStep(step)
		if !ok {
			continue
		}
		table, err := remote.TableFor(kind)
		if err != nil {
			continue
		}
		sr := StepRollback{Step: step, Table: table}
		n, err := e.remote.DeleteWhere(ctx, table, where)
		if err != nil {
			logging.Warn("Rollback of %s left rows in %s: %v", step, table, err)
			metrics.RecordRollbackOrphan()
			sr.Error = err.Error()
		} else {
			sr.Deleted = n
			logging.Debug("Rollback of %s deleted %d rows from %s", step, n, table)
		}
		res.Steps = append(res.Steps, sr)
	}

	cp.Status = checkpoint.StatusRolledBack
	cp.LastCheckpointTime = e.now()
	if restoreFailed {
		cp.AddError("rollback", "restore failed: "+res.RestoreError, e.now())
	}
	if err := e.store.Save(cp); err != nil {
		logging.Warn("Saving rolled back checkpoint: %v", err)
	}
	// A backup that could not be restored is kept, with its checkpoint, so
	// the rollback can be retried.
	if !restoreFailed {
		if err := e.store.Clear(); err != nil {
			logging.Warn("Clearing checkpoint: %v", err)
		}
		if err := e.store.ClearBackup(); err != nil {
			logging.Warn("Clearing backup: %v", err)
		}
	}

	res.Success = !restoreFailed
	res.EndTime = e.now()
	if orphans := res.OrphanedTables(); len(orphans) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("remote cleanup incomplete for %v", orphans))
	}
	return res, nil
}
