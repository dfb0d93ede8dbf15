package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Memory is an in-process Store. Rows are normalized through JSON on the way
// in, so values read back have the same shapes a Postgres row_to_json gives.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Record
	calls  map[string]int

	// Fault, when set, is consulted before every operation; a non-nil
	// return fails that call without touching the data.
	Fault func(op, table string) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][]Record),
		calls:  make(map[string]int),
	}
}

// Insert appends a row without conflict handling. Used to seed test data,
// including duplicate rows.
func (m *Memory) Insert(table string, rec Record) error {
	norm, err := normalize(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], norm)
	return nil
}

// Rows returns a copy of every row in table.
func (m *Memory) Rows(table string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, clone(r))
	}
	return out
}

// Calls returns how many times op was invoked on table, including failed calls.
func (m *Memory) Calls(op, table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op+":"+table]
}

func (m *Memory) enter(op, table string) error {
	m.calls[op+":"+table]++
	if m.Fault != nil {
		return m.Fault(op, table)
	}
	return nil
}

func (m *Memory) Upsert(ctx context.Context, table string, rec Record, conflictKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, ok := rec[conflictKey]
	if !ok {
		return &WriteError{Op: "upsert", Table: table, Err: fmt.Errorf("record has no %s", conflictKey)}
	}
	norm, err := normalize(rec)
	if err != nil {
		return &WriteError{Op: "upsert", Table: table, Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("upsert", table); err != nil {
		return &WriteError{Op: "upsert", Table: table, Key: key, Err: err}
	}

	rows := m.tables[table]
	for i, r := range rows {
		if reflect.DeepEqual(r[conflictKey], norm[conflictKey]) {
			for k, v := range norm {
				r[k] = v
			}
			rows[i] = r
			return nil
		}
	}
	m.tables[table] = append(rows, norm)
	return nil
}

func (m *Memory) DeleteWhere(ctx context.Context, table string, where Predicate) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(where) == 0 {
		return 0, &WriteError{Op: "delete", Table: table, Err: errors.New("refusing unfiltered delete")}
	}
	want, err := normalize(Record(where))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete", table); err != nil {
		return 0, &WriteError{Op: "delete", Table: table, Key: where, Err: err}
	}

	kept := m.tables[table][:0]
	var n int64
	for _, r := range m.tables[table] {
		if matches(r, want) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	return n, nil
}

func (m *Memory) SelectOne(ctx context.Context, table string, where Predicate) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want, err := normalize(Record(where))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("select", table); err != nil {
		return nil, &WriteError{Op: "select", Table: table, Key: where, Err: err}
	}

	var found Record
	for _, r := range m.tables[table] {
		if !matches(r, want) {
			continue
		}
		if found != nil {
			return nil, ErrDuplicateRecord
		}
		found = r
	}
	if found == nil {
		return nil, nil
	}
	return clone(found), nil
}

func matches(row, want Record) bool {
	for k, v := range want {
		if !reflect.DeepEqual(row[k], v) {
			return false
		}
	}
	return true
}

func normalize(rec Record) (Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	out := make(Record)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return out, nil
}

func clone(rec Record) Record {
	out, err := normalize(rec)
	if err != nil {
		// rows in the table were produced by normalize and always round-trip
		panic(err)
	}
	return out
}
