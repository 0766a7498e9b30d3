package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"
)

// DuckDB is a Connector backed by an embedded DuckDB database. It is meant
// for local runs where no postgres warehouse is available.
type DuckDB struct {
	connector *duckdb.Connector
	db        *sql.DB
	logger    *slog.Logger
}

// OpenDuckDB opens (or creates) the database file at path. An empty path
// gives an in-memory database.
func OpenDuckDB(ctx context.Context, path string, logger *slog.Logger) (*DuckDB, error) {
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open DuckDB at %q: %w", path, err)
	}

	logger = logger.With(slog.String("component", "warehouse.duckdb"))
	logger.InfoContext(ctx, "warehouse opened", slog.String("path", path))

	return &DuckDB{connector: connector, db: db, logger: logger}, nil
}

func (d *DuckDB) Driver() string { return "duckdb" }

func (d *DuckDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DuckDB) TableExists(ctx context.Context, table string) (bool, error) {
	q, args := tableExistsSQL(table)
	var n int64
	if err := d.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func (d *DuckDB) CreateTable(ctx context.Context, table string, schema []Column) error {
	q, err := createTableSQL(table, schema)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	d.logger.InfoContext(ctx, "table created", slog.String("table", table), slog.Int("columns", len(schema)))
	return nil
}

func (d *DuckDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DuckDB) Query(ctx context.Context, query string, args ...any) (*Batch, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rb := newResultBuilder(names)
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rb.add(vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rb.batch, nil
}

// InTx pins one connection, opens a transaction on it and runs fn. The
// appender used by BulkInsert writes through the same connection so it
// takes part in the transaction.
func (d *DuckDB) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
			panic(p)
		}
	}()

	if err := fn(&duckTx{conn: conn}); err != nil {
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *DuckDB) Close() error {
	err := d.db.Close()
	if cerr := d.connector.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type duckTx struct {
	conn *sql.Conn
}

func (t *duckTx) DeleteRange(ctx context.Context, table, column string, start, end time.Time) (int64, error) {
	res, err := t.conn.ExecContext(ctx, deleteRangeSQL(table, column), start, end)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *duckTx) DeleteEqual(ctx context.Context, table, column string, value any) (int64, error) {
	res, err := t.conn.ExecContext(ctx, deleteEqualSQL(table, column), value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *duckTx) DeleteNotIn(ctx context.Context, table, column string, keep []any) (int64, error) {
	res, err := t.conn.ExecContext(ctx, deleteNotInSQL(table, column, len(keep)), keep...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *duckTx) Truncate(ctx context.Context, table string) error {
	_, err := t.conn.ExecContext(ctx, "DELETE FROM "+QuoteIdent(table))
	return err
}

// BulkInsert appends the batch through the DuckDB appender. The appender is
// positional, so rows are laid out in the table's column order.
func (t *duckTx) BulkInsert(ctx context.Context, table string, b *Batch) (int64, error) {
	if b.Empty() {
		return 0, nil
	}
	columns, err := t.columns(ctx, table)
	if err != nil {
		return 0, err
	}
	pos, err := columnPositions(table, columns, b)
	if err != nil {
		return 0, err
	}
	schema, name := splitTable(table)

	var written int64
	err = t.conn.Raw(func(dc any) error {
		conn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		appender, err := duckdb.NewAppenderFromConn(conn, schema, name)
		if err != nil {
			return fmt.Errorf("create appender for %s: %w", table, err)
		}

		row := make([]driver.Value, len(pos))
		for i := 0; i < b.Len(); i++ {
			for c, p := range pos {
				row[c] = nil
				if p >= 0 {
					row[c] = b.Columns[p].Values[i]
				}
			}
			if err := appender.AppendRow(row...); err != nil {
				appender.Close()
				return fmt.Errorf("append row %d to %s: %w", i, table, err)
			}
			written++
		}
		return appender.Close()
	})
	return written, err
}

// columns lists the table's columns in ordinal order
func (t *duckTx) columns(ctx context.Context, table string) ([]string, error) {
	q, args := tableColumnsSQL(table)
	rows, err := t.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return out, nil
}
