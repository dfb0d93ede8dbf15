package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fitsync-migrate/internal/engine"
)

func TestTrackerFollowsCompletedSteps(t *testing.T) {
	var buf bytes.Buffer
	tr := NewWithWriter(len(engine.Steps), &buf)

	tr.Update(engine.Progress{StepName: engine.StepValidate, Completed: 1, Message: "validated 2 sections"})
	tr.Update(engine.Progress{StepName: engine.StepBackup, Completed: 2, Message: "backed up"})
	assert.Equal(t, 2, tr.Current())

	// a stale event never moves the bar backwards
	tr.Update(engine.Progress{StepName: engine.StepValidate, Completed: 1})
	assert.Equal(t, 2, tr.Current())

	tr.Finish()
	assert.NotEmpty(t, buf.String())
}

func TestJSONReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)

	r.Report(ProgressUpdate{Phase: "migrating", StepsComplete: 1})
	r.Report(ProgressUpdate{Phase: "migrating", StepsComplete: 2})
	r.ReportImmediate(ProgressUpdate{Phase: "completed", StepsComplete: 7})
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: "after close"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, last ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, 1, first.StepsComplete)
	assert.NotEmpty(t, first.Timestamp)
	assert.Equal(t, "completed", last.Phase)
}

func TestFromProgressAndResult(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u := FromProgress(engine.Progress{
		MigrationID: "m1", StepName: engine.StepUploadPersonalInfo, Completed: 3, TotalSteps: 7,
		Percent: 300.0 / 7, Message: "uploaded personal_info", Timestamp: at,
	})
	assert.Equal(t, "migrating", u.Phase)
	assert.Equal(t, "2026-01-02T03:04:05Z", u.Timestamp)
	assert.Equal(t, engine.StepUploadPersonalInfo, u.CurrentStep)
	assert.InDelta(t, 42.857, u.ProgressPct, 0.01)

	failed := FromResult(&engine.Result{
		MigrationID: "m1", CompletedSteps: []string{engine.StepValidate}, Err: errors.New("boom"), EndTime: at,
	})
	assert.Equal(t, "failed", failed.Phase)
	assert.Equal(t, "boom", failed.Message)
	assert.Equal(t, 1, failed.StepsComplete)

	assert.Equal(t, "interrupted", FromResult(&engine.Result{Cancelled: true}).Phase)
	assert.Equal(t, "completed", FromResult(&engine.Result{Success: true}).Phase)
}
