package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxConns      int32 // Maximum number of connections
	TotalConns    int32 // Total number of connections
	AcquiredConns int32 // Connections currently in use
	IdleConns     int32 // Connections currently idle
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("postgres: %d/%d acquired, %d idle, %d open",
		s.AcquiredConns, s.MaxConns, s.IdleConns, s.TotalConns)
}

// Postgres is a Store backed by a pgx connection pool. Every operation runs
// in its own transaction that carries the caller's JWT claims, so row level
// security policies see the authenticated user.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	claims string // JSON, empty for no claims
}

// NewPostgres creates a pool for dsn and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, maxConns int, schema string) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return NewPostgresFromPool(pool, schema), nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool, schema string) *Postgres {
	if schema == "" {
		schema = "public"
	}
	return &Postgres{pool: pool, schema: schema}
}

// WithUser returns a store whose transactions carry JWT claims for userID.
func (p *Postgres) WithUser(userID string) *Postgres {
	claims, _ := json.Marshal(map[string]string{"sub": userID, "role": "authenticated"})
	cp := *p
	cp.claims = string(claims)
	return &cp
}

// Close closes all connections in the pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping tests the connection to the database
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stats returns current connection pool statistics
func (p *Postgres) Stats() PoolStats {
	stats := p.pool.Stat()
	return PoolStats{
		MaxConns:      stats.MaxConns(),
		TotalConns:    stats.TotalConns(),
		AcquiredConns: stats.AcquiredConns(),
		IdleConns:     stats.IdleConns(),
	}
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.claims != "" {
		if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claims', $1, true)`, p.claims); err != nil {
			return fmt.Errorf("setting claims: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, table string, rec Record, conflictKey string) error {
	if _, ok := rec[conflictKey]; !ok {
		return &WriteError{Op: "upsert", Table: table, Err: fmt.Errorf("record has no %s", conflictKey)}
	}
	query, args, err := buildUpsertSQL(p.schema, table, rec, conflictKey)
	if err != nil {
		return &WriteError{Op: "upsert", Table: table, Key: keyOf(rec, conflictKey), Err: err}
	}
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		return &WriteError{Op: "upsert", Table: table, Key: keyOf(rec, conflictKey), Err: err}
	}
	return nil
}

func (p *Postgres) DeleteWhere(ctx context.Context, table string, where Predicate) (int64, error) {
	if len(where) == 0 {
		return 0, &WriteError{Op: "delete", Table: table, Err: errors.New("refusing unfiltered delete")}
	}
	clause, args := buildWhere(where, 1)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", qualify(p.schema, table), clause)

	var n int64
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, &WriteError{Op: "delete", Table: table, Key: map[string]any(where), Err: err}
	}
	return n, nil
}

func (p *Postgres) SelectOne(ctx context.Context, table string, where Predicate) (Record, error) {
	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s t", qualify(p.schema, table))
	var args []any
	if len(where) > 0 {
		var clause string
		clause, args = buildWhere(where, 1)
		query += " WHERE " + clause
	}
	query += " LIMIT 2"

	var raw [][]byte
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b []byte
			if err := rows.Scan(&b); err != nil {
				return err
			}
			raw = append(raw, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &WriteError{Op: "select", Table: table, Key: map[string]any(where), Err: err}
	}

	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		rec := make(Record)
		if err := json.Unmarshal(raw[0], &rec); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		return rec, nil
	default:
		return nil, ErrDuplicateRecord
	}
}

// buildUpsertSQL generates
// INSERT INTO schema.table (cols) VALUES ($1, ...)
// ON CONFLICT (key) DO UPDATE SET col = EXCLUDED.col, ...
func buildUpsertSQL(schema, table string, rec Record, conflictKey string) (string, []any, error) {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var setClauses []string
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		v, err := toArg(rec[c])
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", c, err)
		}
		args[i] = v
		if c != conflictKey {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		qualify(schema, table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "), quoteIdent(conflictKey))
	if len(setClauses) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		sb.WriteString(strings.Join(setClauses, ", "))
	}
	return sb.String(), args, nil
}

// buildWhere renders an AND of equality filters starting at placeholder $start.
func buildWhere(where Predicate, start int) (string, []any) {
	cols := where.columns()
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), start+i)
		args[i] = where[c]
	}
	return strings.Join(parts, " AND "), args
}

// toArg converts a JSON-shaped value into something pgx encodes for the
// matching column: integral floats become int64, string arrays become
// []string, and objects or mixed arrays are sent as JSON text.
func toArg(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	case []any:
		strs := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				data, err := json.Marshal(x)
				return string(data), err
			}
			strs = append(strs, s)
		}
		return strs, nil
	case map[string]any:
		data, err := json.Marshal(x)
		return string(data), err
	default:
		return v, nil
	}
}
