package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpsertSelectDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec, err := m.SelectOne(ctx, TableUserProfiles, Predicate{"user_id": "u1"})
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, m.Upsert(ctx, TableUserProfiles, Record{"user_id": "u1", "name": "Alex", "age": 30}, ConflictKey))
	require.NoError(t, m.Upsert(ctx, TableUserProfiles, Record{"user_id": "u1", "age": 31}, ConflictKey))
	require.NoError(t, m.Upsert(ctx, TableUserProfiles, Record{"user_id": "u2", "name": "Sam"}, ConflictKey))

	rec, err = m.SelectOne(ctx, TableUserProfiles, Predicate{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, Record{"user_id": "u1", "name": "Alex", "age": float64(31)}, rec)

	n, err := m.DeleteWhere(ctx, TableUserProfiles, Predicate{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.DeleteWhere(ctx, TableUserProfiles, Predicate{"user_id": "u1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, m.Rows(TableUserProfiles), 1)
	assert.Equal(t, 3, m.Calls("upsert", TableUserProfiles))
}

func TestMemorySelectDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Insert(TableFitnessGoals, Record{"user_id": "u1", "experience_level": "beginner"}))
	require.NoError(t, m.Insert(TableFitnessGoals, Record{"user_id": "u1", "experience_level": "advanced"}))

	_, err := m.SelectOne(ctx, TableFitnessGoals, Predicate{"user_id": "u1"})
	assert.ErrorIs(t, err, ErrDuplicateRecord)
}

func TestMemoryRejectsBadCalls(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Upsert(ctx, TableUserProfiles, Record{"name": "no key"}, ConflictKey)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "upsert", we.Op)
	assert.Equal(t, TableUserProfiles, we.Table)

	_, err = m.DeleteWhere(ctx, TableUserProfiles, nil)
	require.Error(t, err)
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")
	m.Fault = func(op, table string) error {
		if op == "upsert" && table == TableDietPreferences {
			return boom
		}
		return nil
	}

	err := m.Upsert(ctx, TableDietPreferences, Record{"user_id": "u1"}, ConflictKey)
	require.ErrorIs(t, err, boom)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "u1", we.Key)
	assert.Empty(t, m.Rows(TableDietPreferences), "failed call leaves data untouched")

	require.NoError(t, m.Upsert(ctx, TableUserProfiles, Record{"user_id": "u1"}, ConflictKey))
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Upsert(ctx, TableWorkoutPreferences, Record{"user_id": "u1", "equipment": []string{"bands"}}, ConflictKey))

	rec, err := m.SelectOne(ctx, TableWorkoutPreferences, Predicate{"user_id": "u1"})
	require.NoError(t, err)
	rec["equipment"] = "mutated"

	again, err := m.SelectOne(ctx, TableWorkoutPreferences, Predicate{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, []any{"bands"}, again["equipment"])
}
