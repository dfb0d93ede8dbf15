package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAttemptLabelsOutcome(t *testing.T) {
	beforeOK := testutil.ToFloat64(attemptsCounter.WithLabelValues("start", "success"))
	beforeFail := testutil.ToFloat64(attemptsCounter.WithLabelValues("start", "failure"))

	RecordAttempt("start", true)
	RecordAttempt("start", false)
	RecordAttempt("start", false)

	assert.Equal(t, beforeOK+1, testutil.ToFloat64(attemptsCounter.WithLabelValues("start", "success")))
	assert.Equal(t, beforeFail+2, testutil.ToFloat64(attemptsCounter.WithLabelValues("start", "failure")))
}

func TestObserveStepCountsFailures(t *testing.T) {
	beforeSamples := stepSampleCount(t, "uploadDietPreferences")
	beforeFailures := testutil.ToFloat64(stepFailures.WithLabelValues("uploadDietPreferences"))

	ObserveStep("uploadDietPreferences", 20*time.Millisecond, nil)
	ObserveStep("uploadDietPreferences", 40*time.Millisecond, errors.New("remote down"))

	assert.Equal(t, beforeSamples+2, stepSampleCount(t, "uploadDietPreferences"))
	assert.Equal(t, beforeFailures+1, testutil.ToFloat64(stepFailures.WithLabelValues("uploadDietPreferences")))
}

func TestRecordCheckpointSavedIgnoresZero(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	RecordCheckpointSaved(ts)
	RecordCheckpointSaved(time.Time{})
	assert.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastCheckpointGauge))
}

func stepSampleCount(t *testing.T, step string) uint64 {
	t.Helper()

	hist, ok := stepDuration.WithLabelValues(step).(prometheus.Histogram)
	require.True(t, ok)
	metric := &dto.Metric{}
	require.NoError(t, hist.Write(metric))
	require.NotNil(t, metric.GetHistogram())
	return metric.GetHistogram().GetSampleCount()
}
