package checkpoint

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryBoundedEviction(t *testing.T) {
	h := NewHistory(NewStore(NewMemoryBackend()), 0)

	last, err := h.Last()
	require.NoError(t, err)
	assert.Nil(t, last)

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 13; i++ {
		require.NoError(t, h.Append(Attempt{
			ID:        fmt.Sprintf("a-%02d", i),
			UserID:    "user-1",
			Operation: "start",
			StartTime: start.Add(time.Duration(i) * time.Minute),
			EndTime:   start.Add(time.Duration(i)*time.Minute + 5*time.Second),
			Success:   i%2 == 0,
		}))
	}

	list, err := h.List()
	require.NoError(t, err)
	require.Len(t, list, DefaultHistoryLimit)
	assert.Equal(t, "a-03", list[0].ID, "the three oldest are evicted")
	assert.Equal(t, "a-12", list[len(list)-1].ID)

	last, err = h.Last()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "a-12", last.ID)
	assert.Equal(t, 5*time.Second, last.Duration())
}

func TestHistoryCustomLimitPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)

	h := NewHistory(NewStore(b), 2)
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, h.Append(Attempt{ID: id, Counts: map[string]int{"personal_info": 1}}))
	}
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b.Close()

	list, err := NewHistory(NewStore(b), 2).List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "y", list[0].ID)
	assert.Equal(t, 1, list[1].Counts["personal_info"])
}

func TestHistoryCorruptStartsEmpty(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Set(HistoryKey, []byte(`[{"id":`)))
	h := NewHistory(NewStore(b), 3)

	list, err := h.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, h.Append(Attempt{ID: "fresh"}))
	list, err = h.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ID)
}
