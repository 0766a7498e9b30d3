package warehouse

import (
	"fmt"
	"time"

	"metrofleet/internal/partition"
)

// ColumnType is the logical type of a batch column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt64
	TypeFloat64
	TypeBool
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// SQL returns the column type understood by both postgres and duckdb.
func (t ColumnType) SQL() string {
	switch t {
	case TypeInt64:
		return "BIGINT"
	case TypeFloat64:
		return "DOUBLE PRECISION"
	case TypeBool:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// Column is one named, typed vector of a batch. Nil entries are SQL NULLs.
type Column struct {
	Name   string     `json:"name"`
	Type   ColumnType `json:"type"`
	Values []any      `json:"-"`
}

// Batch is an in-memory columnar table. A batch produced by extraction
// carries the window it claims to cover.
type Batch struct {
	Columns []Column
	Window  partition.Window
}

// NewBatch creates an empty batch with the given schema. Values on the
// supplied columns are ignored.
func NewBatch(schema ...Column) *Batch {
	cols := make([]Column, len(schema))
	for i, c := range schema {
		cols[i] = Column{Name: c.Name, Type: c.Type}
	}
	return &Batch{Columns: cols}
}

// Col is shorthand for a schema entry.
func Col(name string, typ ColumnType) Column {
	return Column{Name: name, Type: typ}
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil || len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0].Values)
}

// Empty reports whether the batch has no rows.
func (b *Batch) Empty() bool {
	return b.Len() == 0
}

// Names returns the column names in order.
func (b *Batch) Names() []string {
	names := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema returns the columns without their values.
func (b *Batch) Schema() []Column {
	schema := make([]Column, len(b.Columns))
	for i, c := range b.Columns {
		schema[i] = Column{Name: c.Name, Type: c.Type}
	}
	return schema
}

// Index returns the position of the named column, or -1.
func (b *Batch) Index(name string) int {
	for i, c := range b.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column.
func (b *Batch) Column(name string) (*Column, bool) {
	i := b.Index(name)
	if i < 0 {
		return nil, false
	}
	return &b.Columns[i], true
}

// Append adds one row. Values must be given in column order.
func (b *Batch) Append(row ...any) error {
	if len(row) != len(b.Columns) {
		return fmt.Errorf("row has %d values, batch has %d columns", len(row), len(b.Columns))
	}
	for i, v := range row {
		b.Columns[i].Values = append(b.Columns[i].Values, v)
	}
	return nil
}

// Row returns row i in column order.
func (b *Batch) Row(i int) []any {
	row := make([]any, len(b.Columns))
	for c := range b.Columns {
		row[c] = b.Columns[c].Values[i]
	}
	return row
}

// Rows materializes the batch row by row.
func (b *Batch) Rows() [][]any {
	rows := make([][]any, b.Len())
	for i := range rows {
		rows[i] = b.Row(i)
	}
	return rows
}

// Select returns a batch holding only the rows at the given positions.
func (b *Batch) Select(idx []int) *Batch {
	out := NewBatch(b.Schema()...)
	out.Window = b.Window
	for c := range b.Columns {
		vals := make([]any, len(idx))
		for j, i := range idx {
			vals[j] = b.Columns[c].Values[i]
		}
		out.Columns[c].Values = vals
	}
	return out
}

// FilterWindow keeps rows whose timestamp column lies in [w.Start, w.End).
// Rows with a NULL timestamp are dropped. The returned batch is tagged with w
// and the second result is the number of rows removed.
func (b *Batch) FilterWindow(column string, w partition.Window) (*Batch, int, error) {
	col, ok := b.Column(column)
	if !ok {
		return nil, 0, fmt.Errorf("filter column %q not in batch", column)
	}
	if col.Type != TypeTimestamp {
		return nil, 0, fmt.Errorf("filter column %q has type %s, want timestamp", column, col.Type)
	}

	keep := make([]int, 0, len(col.Values))
	for i, v := range col.Values {
		ts, ok := v.(time.Time)
		if !ok {
			continue
		}
		if w.Contains(ts) {
			keep = append(keep, i)
		}
	}

	out := b.Select(keep)
	out.Window = w
	return out, b.Len() - len(keep), nil
}
