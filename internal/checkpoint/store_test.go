package checkpoint

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

func sampleCheckpoint() *Checkpoint {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Checkpoint{
		MigrationID:        "m-1",
		UserID:             "user-1",
		Steps:              []string{"validate", "backup", "complete"},
		CurrentStepIndex:   2,
		CurrentStepName:    "complete",
		CompletedSteps:     []string{"validate", "backup"},
		StartTime:          now,
		LastCheckpointTime: now.Add(time.Second),
		Status:             StatusInProgress,
		BackupCreated:      true,
	}
}

func TestStoreSaveLoadClear(t *testing.T) {
	s := NewStore(NewMemoryBackend())

	cp, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	want := sampleCheckpoint()
	require.NoError(t, s.Save(want))
	assert.Equal(t, SchemaVersion, want.SchemaVersion)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Saving twice is idempotent.
	require.NoError(t, s.Save(want))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.Clear())
	got, err = s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreCorruptCheckpointIsAbsent(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Set(CheckpointKey, []byte(`{"migration_id": "m-1", "status":`)))
	s := NewStore(b)

	cp, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, b.Set(CheckpointKey, []byte(`{"completed_steps": "not-a-list"}`)))
	cp, err = s.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestBackupIndependentOfCheckpoint(t *testing.T) {
	s := NewStore(NewMemoryBackend())

	snap := profile.NewSnapshot(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	snap.Sections[profile.KindPersonalInfo] = json.RawMessage(`{"name":"Alex","age":30}`)

	require.NoError(t, s.Save(sampleCheckpoint()))
	require.NoError(t, s.SaveBackup(&Backup{MigrationID: "m-1", UserID: "user-1", Snapshot: snap}))

	require.NoError(t, s.Clear())

	has, err := s.HasBackup()
	require.NoError(t, err)
	assert.True(t, has)

	b, err := s.LoadBackup()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.JSONEq(t, `{"name":"Alex","age":30}`, string(b.Snapshot.Sections[profile.KindPersonalInfo]))
	assert.False(t, b.CreatedAt.IsZero())

	require.NoError(t, s.ClearBackup())
	has, err = s.HasBackup()
	require.NoError(t, err)
	assert.False(t, has)

	b, err = s.LoadBackup()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestBackupWithoutSnapshotIsAbsent(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Set(BackupKey, []byte(`{"migration_id":"m-1"}`)))

	backup, err := NewStore(b).LoadBackup()
	require.NoError(t, err)
	assert.Nil(t, backup)
}

func TestCompletionMarker(t *testing.T) {
	s := NewStore(NewMemoryBackend())

	done, err := s.Completed("user-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkCompleted("user-1", "m-1"))

	done, err = s.Completed("user-1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.Completed("user-2")
	require.NoError(t, err)
	assert.False(t, done, "markers are per user")

	require.NoError(t, s.ClearCompleted("user-1"))
	done, err = s.Completed("user-1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCheckpointHelpers(t *testing.T) {
	cp := sampleCheckpoint()
	assert.True(t, cp.IsCompleted("backup"))
	assert.False(t, cp.IsCompleted("complete"))
	assert.True(t, cp.SameSteps([]string{"validate", "backup", "complete"}))
	assert.False(t, cp.SameSteps([]string{"validate", "complete"}))

	at := time.Now()
	cp.AddError("complete", "boom", at)
	cp.AddError("complete", "boom again", at)
	assert.Len(t, cp.Errors, 2)
	assert.Equal(t, []string{"complete"}, cp.FailedSteps)

	for _, tt := range []struct {
		status Status
		want   bool
	}{
		{StatusInProgress, true},
		{StatusInterrupted, true},
		{StatusFailed, true},
		{StatusRolledBack, false},
	} {
		cp.Status = tt.status
		assert.Equal(t, tt.want, cp.Resumable(), tt.status)
	}

	var nilCP *Checkpoint
	assert.False(t, nilCP.Resumable())
}

func TestOwnershipErrorMessage(t *testing.T) {
	err := &OwnershipError{StoredUser: "a", RequestedUser: "b"}
	assert.Contains(t, err.Error(), `belongs to "a", not "b"`)

	err = &OwnershipError{Reason: "step sequence changed"}
	assert.Contains(t, err.Error(), "step sequence changed")
}
