package warehouse

import (
	"fmt"
	"strings"
	"time"
)

// QuoteIdent quotes a possibly schema-qualified identifier.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// splitTable separates an optional schema prefix from a table name.
func splitTable(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func createTableSQL(table string, schema []Column) (string, error) {
	if len(schema) == 0 {
		return "", fmt.Errorf("cannot create table %s without columns", table)
	}
	defs := make([]string, len(schema))
	for i, c := range schema {
		defs[i] = QuoteIdent(c.Name) + " " + c.Type.SQL()
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(table), strings.Join(defs, ", ")), nil
}

func tableExistsSQL(table string) (string, []any) {
	schema, name := splitTable(table)
	if schema == "" {
		return "SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1", []any{name}
	}
	return "SELECT count(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2", []any{schema, name}
}

func tableColumnsSQL(table string) (string, []any) {
	schema, name := splitTable(table)
	if schema == "" {
		return "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position", []any{name}
	}
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position", []any{schema, name}
}

// columnPositions maps each table column to its index in b, or -1 when the
// batch does not carry it. Batch columns the table lacks are an error.
func columnPositions(table string, columns []string, b *Batch) ([]int, error) {
	known := make(map[string]bool, len(columns))
	pos := make([]int, len(columns))
	for i, name := range columns {
		known[name] = true
		pos[i] = b.Index(name)
	}
	for i, c := range b.Columns {
		if !known[c.Name] {
			return nil, fmt.Errorf("column %q (batch position %d) does not exist in %s", c.Name, i, table)
		}
	}
	return pos, nil
}

func deleteRangeSQL(table, column string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s < $2", QuoteIdent(table), QuoteIdent(column), QuoteIdent(column))
}

func deleteNotInSQL(table, column string, n int) string {
	if n == 0 {
		return "DELETE FROM " + QuoteIdent(table)
	}
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	col := QuoteIdent(column)
	return fmt.Sprintf("DELETE FROM %s WHERE %s IS NULL OR %s NOT IN (%s)", QuoteIdent(table), col, col, strings.Join(ph, ", "))
}

func deleteEqualSQL(table, column string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", QuoteIdent(table), QuoteIdent(column))
}

// normalizeValue maps driver values onto the batch value set:
// int64, float64, string, bool, time.Time and nil.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return x
	case time.Time:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func typeOf(v any) ColumnType {
	switch v.(type) {
	case int64:
		return TypeInt64
	case float64:
		return TypeFloat64
	case bool:
		return TypeBool
	case time.Time:
		return TypeTimestamp
	default:
		return TypeString
	}
}

// resultBuilder accumulates query rows into a batch, inferring each column's
// type from its first non-NULL value.
type resultBuilder struct {
	batch *Batch
	typed []bool
}

func newResultBuilder(names []string) *resultBuilder {
	b := &Batch{Columns: make([]Column, len(names))}
	for i, n := range names {
		b.Columns[i] = Column{Name: n, Type: TypeString}
	}
	return &resultBuilder{batch: b, typed: make([]bool, len(names))}
}

func (r *resultBuilder) add(values []any) {
	for i, raw := range values {
		v := normalizeValue(raw)
		if v != nil && !r.typed[i] {
			r.batch.Columns[i].Type = typeOf(v)
			r.typed[i] = true
		}
		r.batch.Columns[i].Values = append(r.batch.Columns[i].Values, v)
	}
}
