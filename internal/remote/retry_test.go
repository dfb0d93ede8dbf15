package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(next Store, max uint64) *Retrying {
	return NewRetrying(next, 0).WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, max)
	})
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	failures := 2
	m.Fault = func(op, table string) error {
		if failures > 0 {
			failures--
			return ErrUnavailable
		}
		return nil
	}

	r := fastRetry(m, 5)
	require.NoError(t, r.Upsert(ctx, TableUserProfiles, Record{"user_id": "u1"}, ConflictKey))
	assert.Equal(t, 3, m.Calls("upsert", TableUserProfiles))
	assert.Len(t, m.Rows(TableUserProfiles), 1)
}

func TestRetryingGivesUp(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Fault = func(op, table string) error { return ErrUnavailable }

	r := fastRetry(m, 2)
	_, err := r.DeleteWhere(ctx, TableFitnessGoals, Predicate{"user_id": "u1"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, m.Calls("delete", TableFitnessGoals), "initial call plus two retries")
}

func TestRetryingStopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Insert(TableUserProfiles, Record{"user_id": "u1"}))
	require.NoError(t, m.Insert(TableUserProfiles, Record{"user_id": "u1"}))

	r := fastRetry(m, 5)
	_, err := r.SelectOne(ctx, TableUserProfiles, Predicate{"user_id": "u1"})
	require.ErrorIs(t, err, ErrDuplicateRecord)
	assert.Equal(t, 1, m.Calls("select", TableUserProfiles))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", fmt.Errorf("wrapped: %w", ErrUnavailable), true},
		{"canceled", context.Canceled, false},
		{"duplicate", ErrDuplicateRecord, false},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined column", &WriteError{Op: "upsert", Err: &pgconn.PgError{Code: "42703"}}, false},
		{"connection refused", errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), true},
		{"other", errors.New("permission denied for table user_profiles"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
