// Package validate checks profile sections against required-field and range
// rules. Validation never fails with an error value of its own; problems are
// returned as structured field errors.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// FieldError is one problem with one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// Result is the outcome of validating one section.
type Result struct {
	Section  profile.Kind `json:"section"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []FieldError `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found. Warnings do not count.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns a *Error when the result has errors, otherwise nil.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return &Error{Section: r.Section, Fields: r.Errors}
}

// Error is the ValidationError surfaced by the engine. It carries every
// field-level message for the offending section.
type Error struct {
	Section profile.Kind
	Fields  []FieldError
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Section, strings.Join(msgs, "; "))
}

var (
	genders          = []string{"male", "female", "other", "prefer_not_to_say"}
	occupationTypes  = []string{"desk_job", "light_active", "moderate_active", "heavy_labor", "very_active"}
	experienceLevels = []string{"beginner", "intermediate", "advanced"}
	intensities      = []string{"low", "moderate", "high"}
	locations        = []string{"home", "gym", "outdoor", "both"}
)

type checker struct {
	res Result
}

func (c *checker) fail(field, format string, args ...any) {
	c.res.Errors = append(c.res.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) warn(field, format string, args ...any) {
	c.res.Warnings = append(c.res.Warnings, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) required(field, v string) bool {
	if strings.TrimSpace(v) == "" {
		c.fail(field, "is required")
		return false
	}
	return true
}

func (c *checker) oneOf(field, v string, allowed []string) {
	if v == "" {
		return
	}
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	c.fail(field, "must be one of %s, got %q", strings.Join(allowed, ", "), v)
}

func (c *checker) rangeF(field string, v, lo, hi float64) {
	if v == 0 {
		return
	}
	if v < lo || v > hi {
		c.fail(field, "must be between %g and %g, got %g", lo, hi, v)
	}
}

func (c *checker) rangeI(field string, v, lo, hi int) {
	if v < lo || v > hi {
		c.fail(field, "must be between %d and %d, got %d", lo, hi, v)
	}
}

// Section validates s against the rules for its kind. A nil section is valid;
// absent sections are skipped by the migration rather than rejected.
func Section(s profile.Section, now time.Time) Result {
	if s == nil {
		return Result{}
	}
	c := &checker{res: Result{Section: s.Kind()}}
	switch v := s.(type) {
	case *profile.PersonalInfo:
		personalInfo(c, v, now)
	case *profile.FitnessGoals:
		fitnessGoals(c, v, now)
	case *profile.DietPreferences:
		dietPreferences(c, v)
	case *profile.WorkoutPreferences:
		workoutPreferences(c, v)
	default:
		c.fail("section", "unknown section type %T", s)
	}
	return c.res
}

func personalInfo(c *checker, p *profile.PersonalInfo, now time.Time) {
	if c.required("name", p.Name) && len(p.Name) > 100 {
		c.fail("name", "must be at most 100 characters")
	}
	if p.Age == 0 {
		c.fail("age", "is required")
	} else {
		c.rangeI("age", p.Age, 13, 120)
		if p.Age >= 13 && p.Age < 18 {
			c.warn("age", "under 18; recommendations are limited")
		}
	}
	c.oneOf("gender", p.Gender, genders)
	c.oneOf("occupation_type", p.OccupationType, occupationTypes)
	c.rangeF("height_cm", p.HeightCM, 50, 300)
	c.rangeF("weight_kg", p.WeightKG, 20, 500)
	if p.DateOfBirth != nil && p.DateOfBirth.After(now) {
		c.fail("date_of_birth", "must not be in the future")
	}
}

func fitnessGoals(c *checker, f *profile.FitnessGoals, now time.Time) {
	if len(f.PrimaryGoals) == 0 {
		c.fail("primary_goals", "at least one goal is required")
	}
	for i, g := range f.PrimaryGoals {
		if strings.TrimSpace(g) == "" {
			c.fail(fmt.Sprintf("primary_goals[%d]", i), "must not be empty")
		}
	}
	if c.required("experience_level", f.ExperienceLevel) {
		c.oneOf("experience_level", f.ExperienceLevel, experienceLevels)
	}
	c.rangeF("target_weight_kg", f.TargetWeightKG, 20, 500)
	if f.TargetDate != nil && f.TargetDate.Before(now) {
		c.warn("target_date", "is in the past")
	}
}

func dietPreferences(c *checker, d *profile.DietPreferences) {
	c.required("diet_type", d.DietType)
	if !d.BreakfastEnabled && !d.LunchEnabled && !d.DinnerEnabled && !d.SnacksEnabled {
		c.fail("meals", "at least one meal must be enabled")
	}
	for i, a := range d.Allergies {
		if strings.TrimSpace(a) == "" {
			c.fail(fmt.Sprintf("allergies[%d]", i), "must not be empty")
		}
	}
}

func workoutPreferences(c *checker, w *profile.WorkoutPreferences) {
	if c.required("location", w.Location) {
		c.oneOf("location", w.Location, locations)
	}
	c.oneOf("intensity", w.Intensity, intensities)
	c.rangeI("workouts_per_week", w.WorkoutsPerWeek, 0, 14)
	c.rangeI("time_preference", w.TimePreference, 0, 300)
	if w.WorkoutsPerWeek == 0 {
		c.warn("workouts_per_week", "not set")
	}
}
