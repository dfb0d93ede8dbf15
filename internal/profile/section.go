// Package profile defines the on-device profile sections and raw fitness
// records that get migrated to the backend.
package profile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the four profile sections
type Kind string

const (
	KindPersonalInfo       Kind = "personal_info"
	KindFitnessGoals       Kind = "fitness_goals"
	KindDietPreferences    Kind = "diet_preferences"
	KindWorkoutPreferences Kind = "workout_preferences"
)

// Kinds lists the sections in migration order.
var Kinds = []Kind{
	KindPersonalInfo,
	KindFitnessGoals,
	KindDietPreferences,
	KindWorkoutPreferences,
}

// SyncStatus tracks whether a section has been acknowledged by the backend
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

// Source records where the current section contents came from
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceMerged Source = "merged"
)

// Meta is embedded in every section.
type Meta struct {
	ID         string     `json:"id"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
	Source     Source     `json:"source,omitempty"`
}

// Section is implemented by the four profile section types.
type Section interface {
	Kind() Kind
	Metadata() *Meta
}

// PersonalInfo holds basic identity and body measurements.
type PersonalInfo struct {
	Meta
	Name           string     `json:"name,omitempty"`
	Age            int        `json:"age,omitempty"`
	Gender         string     `json:"gender,omitempty"`
	HeightCM       float64    `json:"height_cm,omitempty"`
	WeightKG       float64    `json:"weight_kg,omitempty"`
	OccupationType string     `json:"occupation_type,omitempty"`
	Country        string     `json:"country,omitempty"`
	DateOfBirth    *time.Time `json:"date_of_birth,omitempty"`
}

func (p *PersonalInfo) Kind() Kind      { return KindPersonalInfo }
func (p *PersonalInfo) Metadata() *Meta { return &p.Meta }

// FitnessGoals holds what the user is training for.
type FitnessGoals struct {
	Meta
	PrimaryGoals    []string   `json:"primary_goals,omitempty"`
	ExperienceLevel string     `json:"experience_level,omitempty"`
	TimeCommitment  string     `json:"time_commitment,omitempty"`
	TargetWeightKG  float64    `json:"target_weight_kg,omitempty"`
	TargetDate      *time.Time `json:"target_date,omitempty"`
}

func (f *FitnessGoals) Kind() Kind      { return KindFitnessGoals }
func (f *FitnessGoals) Metadata() *Meta { return &f.Meta }

// DietPreferences holds diet type, exclusions and which meals are planned.
// Meal toggles are always serialized so that "off" is distinguishable from unset.
type DietPreferences struct {
	Meta
	DietType         string   `json:"diet_type,omitempty"`
	Allergies        []string `json:"allergies,omitempty"`
	Restrictions     []string `json:"restrictions,omitempty"`
	BreakfastEnabled bool     `json:"breakfast_enabled"`
	LunchEnabled     bool     `json:"lunch_enabled"`
	DinnerEnabled    bool     `json:"dinner_enabled"`
	SnacksEnabled    bool     `json:"snacks_enabled"`
}

func (d *DietPreferences) Kind() Kind      { return KindDietPreferences }
func (d *DietPreferences) Metadata() *Meta { return &d.Meta }

// WorkoutPreferences holds where, how and how often the user trains.
type WorkoutPreferences struct {
	Meta
	Location        string   `json:"location,omitempty"`
	Equipment       []string `json:"equipment,omitempty"`
	WorkoutTypes    []string `json:"workout_types,omitempty"`
	TimePreference  int      `json:"time_preference,omitempty"` // minutes per session
	Intensity       string   `json:"intensity,omitempty"`
	WorkoutsPerWeek int      `json:"workouts_per_week,omitempty"`
}

func (w *WorkoutPreferences) Kind() Kind      { return KindWorkoutPreferences }
func (w *WorkoutPreferences) Metadata() *Meta { return &w.Meta }

// New returns an empty section of the given kind.
func New(kind Kind) (Section, error) {
	switch kind {
	case KindPersonalInfo:
		return &PersonalInfo{}, nil
	case KindFitnessGoals:
		return &FitnessGoals{}, nil
	case KindDietPreferences:
		return &DietPreferences{}, nil
	case KindWorkoutPreferences:
		return &WorkoutPreferences{}, nil
	default:
		return nil, fmt.Errorf("unknown section kind: %q", kind)
	}
}

// ParseKind validates a section kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown section kind: %q", s)
}

// Decode unmarshals stored JSON into a section of the given kind.
func Decode(kind Kind, data []byte) (Section, error) {
	s, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return s, nil
}

// ToRecord flattens a section into a column map. Values take their JSON
// shapes (numbers are float64, timestamps RFC 3339 strings, arrays []any)
// so they compare directly with rows read back from the backend.
func ToRecord(s Section) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", s.Kind(), err)
	}
	rec := make(map[string]any)
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("flattening %s: %w", s.Kind(), err)
	}
	return rec, nil
}

// FromRecord rebuilds a section from a column map.
func FromRecord(kind Kind, rec map[string]any) (Section, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", kind, err)
	}
	return Decode(kind, data)
}
