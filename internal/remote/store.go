// Package remote talks to the backend record tables the profile is migrated into.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// Backend tables, one per profile section.
const (
	TableUserProfiles       = "user_profiles"
	TableFitnessGoals       = "fitness_goals"
	TableDietPreferences    = "diet_preferences"
	TableWorkoutPreferences = "workout_preferences"
)

// ConflictKey is the column every section table is upserted on.
const ConflictKey = "user_id"

var (
	// ErrDuplicateRecord is returned by SelectOne when more than one row matches.
	ErrDuplicateRecord = errors.New("duplicate record")
	// ErrUnavailable marks a transient backend failure that is safe to retry.
	ErrUnavailable = errors.New("remote unavailable")
)

// Record is one backend row keyed by column name. Values take JSON shapes.
type Record map[string]any

// Predicate is a conjunction of column equality filters.
type Predicate map[string]any

// columns returns the predicate columns in a stable order.
func (p Predicate) columns() []string {
	cols := make([]string, 0, len(p))
	for c := range p {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Store performs authenticated record operations against the backend.
type Store interface {
	// Upsert inserts rec, or updates the row whose conflictKey column matches.
	Upsert(ctx context.Context, table string, rec Record, conflictKey string) error
	// DeleteWhere removes every row matching where and reports how many went.
	DeleteWhere(ctx context.Context, table string, where Predicate) (int64, error)
	// SelectOne returns the single row matching where, nil if none, or
	// ErrDuplicateRecord if several match.
	SelectOne(ctx context.Context, table string, where Predicate) (Record, error)
}

// TableFor maps a profile section to its backend table.
func TableFor(kind profile.Kind) (string, error) {
	switch kind {
	case profile.KindPersonalInfo:
		return TableUserProfiles, nil
	case profile.KindFitnessGoals:
		return TableFitnessGoals, nil
	case profile.KindDietPreferences:
		return TableDietPreferences, nil
	case profile.KindWorkoutPreferences:
		return TableWorkoutPreferences, nil
	default:
		return "", fmt.Errorf("no table for section %q", kind)
	}
}

// WriteError wraps a backend failure with the table and key it concerned.
type WriteError struct {
	Op    string // upsert, delete, select
	Table string
	Key   any
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("remote %s %s (key %v): %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func keyOf(rec Record, conflictKey string) any {
	if rec == nil {
		return nil
	}
	return rec[conflictKey]
}
