// Package conflict detects field-level disagreements between the local and
// remote copies of a profile section and resolves them by strategy.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// Type classifies a conflict
type Type string

const (
	ValueMismatch    Type = "value_mismatch"
	VersionConflict  Type = "version_conflict"
	DeletionConflict Type = "deletion_conflict"
	TypeMismatch     Type = "type_mismatch"
	MissingLocal     Type = "missing_local"
	MissingRemote    Type = "missing_remote"
	DuplicateRecord  Type = "duplicate_record"
)

// Severity ranks how disruptive a conflict is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy is how a conflict gets resolved
type Strategy string

const (
	UseLocal    Strategy = "use_local"
	UseRemote   Strategy = "use_remote"
	Merge       Strategy = "merge"
	LocalWins   Strategy = "local_wins"
	RemoteWins  Strategy = "remote_wins"
	MergeValues Strategy = "merge_values"
	SkipField   Strategy = "skip_field"
	// Manual defers to an explicit per-conflict choice; it never resolves anything itself.
	Manual Strategy = "manual"
)

var strategies = []Strategy{UseLocal, UseRemote, Merge, LocalWins, RemoteWins, MergeValues, SkipField, Manual}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range strategies {
		if string(st) == s {
			return st, nil
		}
	}
	names := make([]string, len(strategies))
	for i, st := range strategies {
		names[i] = string(st)
	}
	return "", fmt.Errorf("unknown conflict strategy %q (valid: %s)", s, strings.Join(names, ", "))
}

// Conflict is one field where local and remote disagree.
type Conflict struct {
	ID              string       `json:"id"`
	Section         profile.Kind `json:"section"`
	Field           string       `json:"field"`
	LocalValue      any          `json:"local_value,omitempty"`
	RemoteValue     any          `json:"remote_value,omitempty"`
	LocalUpdatedAt  time.Time    `json:"local_updated_at"`
	RemoteUpdatedAt time.Time    `json:"remote_updated_at"`
	Type            Type         `json:"type"`
	Severity        Severity     `json:"severity"`
	Suggested       Strategy     `json:"suggested_resolution"`
	AutoResolvable  bool         `json:"auto_resolvable"`
}

// ID builds the deterministic identifier for a field conflict.
func ID(section profile.Kind, field string) string {
	return string(section) + "." + field
}

// Resolution records the strategy chosen for one conflict.
type Resolution struct {
	ConflictID string   `json:"conflict_id"`
	Strategy   Strategy `json:"strategy"`
	Value      any      `json:"value,omitempty"`
	ByUser     bool     `json:"by_user"`
}

// UnresolvedError is the ConflictsUnresolved failure: conflicts that need an
// explicit resolution before the migration can continue.
type UnresolvedError struct {
	Conflicts []Conflict
}

// IDs returns the identifiers of the unresolved conflicts.
func (e *UnresolvedError) IDs() []string {
	ids := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		ids[i] = c.ID
	}
	return ids
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("conflicts unresolved: %s", strings.Join(e.IDs(), ", "))
}
