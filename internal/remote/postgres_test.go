package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpsertSQL(t *testing.T) {
	rec := Record{
		"user_id":       "u1",
		"name":          "Alex",
		"age":           float64(30),
		"primary_goals": []any{"strength", "endurance"},
	}
	query, args, err := buildUpsertSQL("public", TableUserProfiles, rec, ConflictKey)
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO "public"."user_profiles" ("age", "name", "primary_goals", "user_id") VALUES ($1, $2, $3, $4) `+
			`ON CONFLICT ("user_id") DO UPDATE SET "age" = EXCLUDED."age", "name" = EXCLUDED."name", "primary_goals" = EXCLUDED."primary_goals"`,
		query)
	assert.Equal(t, []any{int64(30), "Alex", []string{"strength", "endurance"}, "u1"}, args)
}

func TestBuildUpsertSQLOnlyKey(t *testing.T) {
	query, _, err := buildUpsertSQL("", "t", Record{"user_id": "u1"}, ConflictKey)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "t" ("user_id") VALUES ($1) ON CONFLICT ("user_id") DO NOTHING`, query)
}

func TestBuildWhere(t *testing.T) {
	clause, args := buildWhere(Predicate{"user_id": "u1", "id": "abc"}, 3)
	assert.Equal(t, `"id" = $3 AND "user_id" = $4`, clause)
	assert.Equal(t, []any{"abc", "u1"}, args)
}

func TestQuoteIdentEscapes(t *testing.T) {
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
	assert.Equal(t, `"s"."t"`, qualify("s", "t"))
}

func TestToArg(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"integral float", float64(42), int64(42)},
		{"fractional float", 71.5, 71.5},
		{"string array", []any{"a", "b"}, []string{"a", "b"}},
		{"mixed array", []any{"a", float64(1)}, `["a",1]`},
		{"object", map[string]any{"k": "v"}, `{"k":"v"}`},
		{"bool", true, true},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toArg(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPoolStatsString(t *testing.T) {
	s := PoolStats{MaxConns: 4, TotalConns: 2, AcquiredConns: 1, IdleConns: 1}
	assert.Equal(t, "postgres: 1/4 acquired, 1 idle, 2 open", s.String())
}
