package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Connector. It supports the structured write path
// (tables, range deletes, bulk inserts, transactions) but not ad hoc SQL, and
// is used for dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable

	// FailInsert, when set, makes BulkInsert on the named table fail.
	FailInsert map[string]error
}

type memTable struct {
	schema []Column
	rows   [][]any
}

func (t *memTable) clone() *memTable {
	rows := make([][]any, len(t.rows))
	copy(rows, t.rows)
	return &memTable{schema: t.schema, rows: rows}
}

// NewMemory creates an empty in-memory warehouse.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable), FailInsert: make(map[string]error)}
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) TableExists(_ context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table]
	return ok, nil
}

func (m *Memory) CreateTable(_ context.Context, table string, schema []Column) error {
	if len(schema) == 0 {
		return fmt.Errorf("cannot create table %s without columns", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = &memTable{schema: append([]Column(nil), schema...)}
	}
	return nil
}

func (m *Memory) Exec(context.Context, string, ...any) (int64, error) {
	return 0, ErrQueryUnsupported
}

func (m *Memory) Query(context.Context, string, ...any) (*Batch, error) {
	return nil, ErrQueryUnsupported
}

// InTx runs fn against a copy of the tables and installs the copy only if fn
// succeeds.
func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := make(map[string]*memTable, len(m.tables))
	for name, t := range m.tables {
		work[name] = t.clone()
	}

	if err := fn(&memTx{tables: work, failInsert: m.FailInsert}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.tables = work
	return nil
}

func (m *Memory) Close() error { return nil }

// Snapshot returns the current contents of table.
func (m *Memory) Snapshot(table string) (*Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	b := NewBatch(t.schema...)
	for _, r := range t.rows {
		_ = b.Append(r...)
	}
	return b, true
}

// RowCount returns the number of rows in table, or zero if it does not exist.
func (m *Memory) RowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// Tables lists existing table names.
func (m *Memory) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type memTx struct {
	tables     map[string]*memTable
	failInsert map[string]error
}

func (t *memTx) table(name string) (*memTable, error) {
	tbl, ok := t.tables[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	return tbl, nil
}

func (t *memTx) columnIndex(tbl *memTable, table, column string) (int, error) {
	for i, c := range tbl.schema {
		if c.Name == column {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q does not exist in %s", column, table)
}

func (t *memTx) deleteWhere(table, column string, match func(any) bool) (int64, error) {
	tbl, err := t.table(table)
	if err != nil {
		return 0, err
	}
	idx, err := t.columnIndex(tbl, table, column)
	if err != nil {
		return 0, err
	}

	kept := tbl.rows[:0:0]
	var deleted int64
	for _, r := range tbl.rows {
		if match(r[idx]) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	tbl.rows = kept
	return deleted, nil
}

func (t *memTx) DeleteRange(_ context.Context, table, column string, start, end time.Time) (int64, error) {
	return t.deleteWhere(table, column, func(v any) bool {
		ts, ok := v.(time.Time)
		return ok && !ts.Before(start) && ts.Before(end)
	})
}

func (t *memTx) DeleteEqual(_ context.Context, table, column string, value any) (int64, error) {
	return t.deleteWhere(table, column, func(v any) bool {
		return v == value
	})
}

func (t *memTx) DeleteNotIn(_ context.Context, table, column string, keep []any) (int64, error) {
	return t.deleteWhere(table, column, func(v any) bool {
		if v == nil {
			return true
		}
		for _, k := range keep {
			if v == k {
				return false
			}
		}
		return true
	})
}

func (t *memTx) Truncate(_ context.Context, table string) error {
	tbl, err := t.table(table)
	if err != nil {
		return err
	}
	tbl.rows = nil
	return nil
}

func (t *memTx) BulkInsert(_ context.Context, table string, b *Batch) (int64, error) {
	if err := t.failInsert[table]; err != nil {
		return 0, err
	}
	tbl, err := t.table(table)
	if err != nil {
		return 0, err
	}

	names := make([]string, len(tbl.schema))
	for i, c := range tbl.schema {
		names[i] = c.Name
	}
	pos, err := columnPositions(table, names, b)
	if err != nil {
		return 0, err
	}

	for i := 0; i < b.Len(); i++ {
		row := make([]any, len(tbl.schema))
		for c, p := range pos {
			if p >= 0 {
				row[c] = b.Columns[p].Values[i]
			}
		}
		tbl.rows = append(tbl.rows, row)
	}
	return int64(b.Len()), nil
}
