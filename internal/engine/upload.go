package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/metrics"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
	"github.com/johndauphine/fitsync-migrate/internal/remote"
	"github.com/johndauphine/fitsync-migrate/internal/validate"
)

// Local-only columns that never go to the backend.
var localOnlyFields = []string{"sync_status", "source"}

func (e *Engine) validateAll(ctx context.Context, res *Result) (string, error) {
	var (
		errs    []error
		checked int
	)
	for _, kind := range profile.Kinds {
		sec, err := e.local.LoadSection(ctx, kind)
		if err != nil {
			return "", fmt.Errorf("loading %s: %w", kind, err)
		}
		if sec == nil {
			continue
		}
		checked++
		r := validate.Section(sec, e.now())
		for _, w := range r.Warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", kind, w))
		}
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return fmt.Sprintf("validated %d sections", checked), nil
}

// upload moves one section: load, validate, detect conflicts against the
// remote row, resolve, write, then mark the local copy synced.
func (e *Engine) upload(ctx context.Context, cp *checkpoint.Checkpoint, kind profile.Kind, opts Options, res *Result) (string, error) {
	sec, err := e.local.LoadSection(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", kind, err)
	}
	if sec == nil {
		res.Migrated[kind] = false
		return fmt.Sprintf("no %s to migrate", kind), nil
	}
	if err := validate.Section(sec, e.now()).Err(); err != nil {
		return "", err
	}

	table, err := remote.TableFor(kind)
	if err != nil {
		return "", err
	}
	localRec, err := profile.ToRecord(sec)
	if err != nil {
		return "", err
	}
	where := remote.Predicate{remote.ConflictKey: cp.UserID}

	existing, err := e.remote.SelectOne(ctx, table, where)
	var conflicts []conflict.Conflict
	switch {
	case errors.Is(err, remote.ErrDuplicateRecord):
		conflicts = []conflict.Conflict{conflict.DuplicateConflict(kind, localRec)}
	case err != nil:
		return "", fmt.Errorf("reading remote %s: %w", table, err)
	default:
		conflicts = conflict.Detect(kind, localRec, existing)
	}
	for _, c := range conflicts {
		metrics.RecordConflict(string(c.Type))
	}

	resolutions, err := conflict.AutoResolve(conflicts, explicitResolutions(cp), opts.Strategy)
	if err != nil {
		var unresolved *conflict.UnresolvedError
		if errors.As(err, &unresolved) {
			res.Conflicts = append(res.Conflicts, unresolved.Conflicts...)
		}
		return "", err
	}
	plan, err := conflict.Apply(localRec, conflicts, resolutions)
	if err != nil {
		return "", err
	}
	res.Resolutions = append(res.Resolutions, resolutions...)

	if plan.SkipWrite {
		logging.Info("Keeping remote %s row for user %s", table, cp.UserID)
		res.Migrated[kind] = false
		return fmt.Sprintf("kept remote %s", kind), nil
	}

	now := e.now()
	version := nextVersion(sec.Metadata().Version, existing)
	rec := remote.Record(plan.Record)
	for _, f := range localOnlyFields {
		delete(rec, f)
	}
	rec[remote.ConflictKey] = cp.UserID
	rec["version"] = version
	rec["updated_at"] = now
	if existing != nil && existing["id"] != nil {
		rec["id"] = existing["id"]
	}

	if plan.ReplaceDuplicates {
		n, err := e.remote.DeleteWhere(ctx, table, where)
		if err != nil {
			return "", fmt.Errorf("removing duplicate %s rows: %w", table, err)
		}
		logging.Warn("Removed %d duplicate %s rows for user %s", n, table, cp.UserID)
	}
	if err := e.remote.Upsert(ctx, table, rec, remote.ConflictKey); err != nil {
		return "", err
	}

	// The remote write is acknowledged; only now is the local copy marked synced.
	synced, err := profile.FromRecord(kind, plan.Record)
	if err != nil {
		return "", err
	}
	meta := synced.Metadata()
	*meta = *sec.Metadata()
	meta.Version = version
	meta.UpdatedAt = now
	meta.SyncStatus = profile.SyncSynced
	meta.Source = profile.SourceLocal
	if plan.TookRemote {
		meta.Source = profile.SourceMerged
	}
	if err := e.local.SaveSection(ctx, synced); err != nil {
		return "", fmt.Errorf("saving synced %s: %w", kind, err)
	}

	res.Migrated[kind] = true
	if len(resolutions) > 0 {
		return fmt.Sprintf("uploaded %s, %d conflicts resolved", kind, len(resolutions)), nil
	}
	return fmt.Sprintf("uploaded %s", kind), nil
}

func explicitResolutions(cp *checkpoint.Checkpoint) map[string]conflict.Strategy {
	out := make(map[string]conflict.Strategy, len(cp.Resolutions))
	for id, st := range cp.Resolutions {
		out[id] = conflict.Strategy(st)
	}
	return out
}

// nextVersion is one past the larger of the local and remote versions.
func nextVersion(local int, existing remote.Record) int {
	v := local
	if existing != nil {
		if rv, ok := existing["version"].(float64); ok && int(rv) > v {
			v = int(rv)
		}
	}
	return v + 1
}
