package engine

import "github.com/johndauphine/fitsync-migrate/internal/profile"

// Step names, in execution order.
const (
	StepValidate                 = "validate"
	StepBackup                   = "backup"
	StepUploadPersonalInfo       = "uploadPersonalInfo"
	StepUploadFitnessGoals       = "uploadFitnessGoals"
	StepUploadDietPreferences    = "uploadDietPreferences"
	StepUploadWorkoutPreferences = "uploadWorkoutPreferences"
	StepComplete                 = "complete"
)

// Steps is the step sequence every new checkpoint is created for.
var Steps = []string{
	StepValidate,
	StepBackup,
	StepUploadPersonalInfo,
	StepUploadFitnessGoals,
	StepUploadDietPreferences,
	StepUploadWorkoutPreferences,
	StepComplete,
}

var uploadSteps = map[string]profile.Kind{
	StepUploadPersonalInfo:       profile.KindPersonalInfo,
	StepUploadFitnessGoals:       profile.KindFitnessGoals,
	StepUploadDietPreferences:    profile.KindDietPreferences,
	StepUploadWorkoutPreferences: profile.KindWorkoutPreferences,
}

// SectionForStep returns the profile section an upload step writes.
func SectionForStep(step string) (profile.Kind, bool) {
	k, ok := uploadSteps[step]
	return k, ok
}
