package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

func TestParseResolutions(t *testing.T) {
	got, err := parseResolutions([]string{"personal_info.weight_kg=use_remote", " diet_preferences.allergies = merge "})
	require.NoError(t, err)
	assert.Equal(t, map[string]conflict.Strategy{
		"personal_info.weight_kg":    conflict.UseRemote,
		"diet_preferences.allergies": conflict.Merge,
	}, got)

	for _, bad := range []string{"no-equals", "=use_local", "x=bogus", "x=manual"} {
		_, err := parseResolutions([]string{bad})
		assert.Error(t, err, bad)
	}
}

func sampleSnapshot() *profile.Snapshot {
	snap := profile.NewSnapshot(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	snap.Sections[profile.KindPersonalInfo] = json.RawMessage(`{"name":"Sam","age":34,"weight_kg":72.5}`)
	snap.Records[profile.RecordWorkouts] = []profile.Record{{
		ID:         "w1",
		Kind:       profile.RecordWorkouts,
		RecordedAt: time.Date(2026, 2, 28, 7, 30, 0, 0, time.UTC),
		Data:       json.RawMessage(`{"minutes":45}`),
	}}
	return snap
}

func TestSnapshotCodecs(t *testing.T) {
	for _, asJSON := range []bool{true, false} {
		data, err := encodeSnapshot(sampleSnapshot(), asJSON)
		require.NoError(t, err)

		snap, err := decodeSnapshot(data, asJSON)
		require.NoError(t, err)

		sec, err := profile.Decode(profile.KindPersonalInfo, snap.Sections[profile.KindPersonalInfo])
		require.NoError(t, err)
		info := sec.(*profile.PersonalInfo)
		assert.Equal(t, "Sam", info.Name)
		require.Len(t, snap.Records[profile.RecordWorkouts], 1)
		assert.Equal(t, "w1", snap.Records[profile.RecordWorkouts][0].ID)
		assert.True(t, snap.Records[profile.RecordWorkouts][0].RecordedAt.Equal(time.Date(2026, 2, 28, 7, 30, 0, 0, time.UTC)))
	}
}

func TestDecodeSnapshotRejectsBadSection(t *testing.T) {
	_, err := decodeSnapshot([]byte(`{"sections":{"personal_info":{"age":"old"}}}`), true)
	assert.Error(t, err)

	_, err = decodeSnapshot([]byte(`{"sections":{"bogus":{}}}`), true)
	assert.Error(t, err)
}
