package profile

import (
	"encoding/json"
	"time"
)

// RecordKind identifies a category of raw fitness records
type RecordKind string

const (
	RecordWorkouts     RecordKind = "workouts"
	RecordMeals        RecordKind = "meals"
	RecordMeasurements RecordKind = "measurements"
)

// RecordKinds lists every raw record category.
var RecordKinds = []RecordKind{RecordWorkouts, RecordMeals, RecordMeasurements}

// Record is a single raw domain record (a logged workout, meal or measurement).
// The payload is kept opaque; only its presence matters to the migration.
type Record struct {
	ID         string          `json:"id"`
	Kind       RecordKind      `json:"kind"`
	RecordedAt time.Time       `json:"recorded_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Snapshot is a full export of the local store.
type Snapshot struct {
	TakenAt  time.Time                `json:"taken_at"`
	Sections map[Kind]json.RawMessage `json:"sections"`
	Records  map[RecordKind][]Record  `json:"records"`
}

// NewSnapshot returns an empty snapshot stamped with the given time.
func NewSnapshot(at time.Time) *Snapshot {
	return &Snapshot{
		TakenAt:  at,
		Sections: make(map[Kind]json.RawMessage),
		Records:  make(map[RecordKind][]Record),
	}
}

// Empty reports whether the snapshot holds no sections and no records.
func (s *Snapshot) Empty() bool {
	if s == nil {
		return true
	}
	if len(s.Sections) > 0 {
		return false
	}
	for _, recs := range s.Records {
		if len(recs) > 0 {
			return false
		}
	}
	return true
}

// RecordCount returns the number of records across all categories.
func (s *Snapshot) RecordCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, recs := range s.Records {
		n += len(recs)
	}
	return n
}
