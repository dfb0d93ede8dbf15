package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func fields(errs []FieldError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func TestPersonalInfo(t *testing.T) {
	future := now.Add(24 * time.Hour)
	tests := []struct {
		name       string
		in         *profile.PersonalInfo
		wantFields []string
	}{
		{"valid", &profile.PersonalInfo{Name: "Alex", Age: 30, HeightCM: 180, WeightKG: 80, Gender: "male"}, nil},
		{"missing name and age", &profile.PersonalInfo{}, []string{"name", "age"}},
		{"age out of range", &profile.PersonalInfo{Name: "A", Age: 7}, []string{"age"}},
		{"bad gender", &profile.PersonalInfo{Name: "A", Age: 30, Gender: "x"}, []string{"gender"}},
		{"height out of range", &profile.PersonalInfo{Name: "A", Age: 30, HeightCM: 20}, []string{"height_cm"}},
		{"future birth date", &profile.PersonalInfo{Name: "A", Age: 30, DateOfBirth: &future}, []string{"date_of_birth"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Section(tt.in, now)
			assert.Equal(t, profile.KindPersonalInfo, res.Section)
			assert.Equal(t, len(tt.wantFields) == 0, res.Valid())
			if len(tt.wantFields) > 0 {
				assert.Equal(t, tt.wantFields, fields(res.Errors))
			}
		})
	}
}

func TestMinorAgeIsWarningOnly(t *testing.T) {
	res := Section(&profile.PersonalInfo{Name: "Kim", Age: 15}, now)
	assert.True(t, res.Valid())
	assert.Equal(t, []string{"age"}, fields(res.Warnings))
}

func TestFitnessGoals(t *testing.T) {
	res := Section(&profile.FitnessGoals{PrimaryGoals: []string{"strength"}, ExperienceLevel: "beginner"}, now)
	assert.True(t, res.Valid())

	res = Section(&profile.FitnessGoals{PrimaryGoals: []string{""}, ExperienceLevel: "expert"}, now)
	assert.Equal(t, []string{"primary_goals[0]", "experience_level"}, fields(res.Errors))

	res = Section(&profile.FitnessGoals{}, now)
	assert.Equal(t, []string{"primary_goals", "experience_level"}, fields(res.Errors))
}

func TestDietPreferences(t *testing.T) {
	res := Section(&profile.DietPreferences{DietType: "vegan", LunchEnabled: true}, now)
	assert.True(t, res.Valid())

	res = Section(&profile.DietPreferences{}, now)
	assert.Equal(t, []string{"diet_type", "meals"}, fields(res.Errors))
}

func TestWorkoutPreferences(t *testing.T) {
	res := Section(&profile.WorkoutPreferences{Location: "gym", WorkoutsPerWeek: 3, Intensity: "high"}, now)
	assert.True(t, res.Valid())
	assert.Empty(t, res.Warnings)

	res = Section(&profile.WorkoutPreferences{Location: "moon", WorkoutsPerWeek: 20, Intensity: "max"}, now)
	assert.Equal(t, []string{"location", "intensity", "workouts_per_week"}, fields(res.Errors))
}

func TestNilSectionIsValid(t *testing.T) {
	res := Section(nil, now)
	assert.True(t, res.Valid())
	assert.NoError(t, res.Err())
}

func TestErrCarriesAllFields(t *testing.T) {
	err := Section(&profile.PersonalInfo{}, now).Err()
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, profile.KindPersonalInfo, verr.Section)
	assert.Len(t, verr.Fields, 2)
	assert.Contains(t, err.Error(), "validation failed for personal_info")
	assert.Contains(t, err.Error(), "name: is required")
}
