package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"metrofleet/internal/config"
)

// Postgres is a Connector backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, poolCfg config.PoolConfig, logger *slog.Logger) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warehouse connection string: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		pc.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		pc.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = poolCfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	logger = logger.With(slog.String("component", "warehouse.postgres"))
	logger.InfoContext(ctx, "warehouse connected",
		slog.String("host", pc.ConnConfig.Host),
		slog.String("database", pc.ConnConfig.Database),
		slog.Int("max_conns", int(pc.MaxConns)))

	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Driver() string { return "postgres" }

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) TableExists(ctx context.Context, table string) (bool, error) {
	q, args := tableExistsSQL(table)
	var n int64
	if err := p.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func (p *Postgres) CreateTable(ctx context.Context, table string, schema []Column) error {
	q, err := createTableSQL(table, schema)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	p.logger.InfoContext(ctx, "table created", slog.String("table", table), slog.Int("columns", len(schema)))
	return nil
}

func (p *Postgres) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Query(ctx context.Context, query string, args ...any) (*Batch, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}

	rb := newResultBuilder(names)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rb.add(vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rb.batch, nil
}

// InTx runs fn inside a transaction on a pooled connection. The connection
// goes back to the pool when fn returns, whether it committed or not.
func (p *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) DeleteRange(ctx context.Context, table, column string, start, end time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, deleteRangeSQL(table, column), start, end)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteEqual(ctx context.Context, table, column string, value any) (int64, error) {
	tag, err := t.tx.Exec(ctx, deleteEqualSQL(table, column), value)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteNotIn(ctx context.Context, table, column string, keep []any) (int64, error) {
	tag, err := t.tx.Exec(ctx, deleteNotInSQL(table, column, len(keep)), keep...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) Truncate(ctx context.Context, table string) error {
	_, err := t.tx.Exec(ctx, "TRUNCATE TABLE "+QuoteIdent(table))
	return err
}

// BulkInsert streams the batch through the COPY protocol.
func (t *pgTx) BulkInsert(ctx context.Context, table string, b *Batch) (int64, error) {
	if b.Empty() {
		return 0, nil
	}
	ident := pgx.Identifier(strings.Split(table, "."))
	return t.tx.CopyFrom(ctx, ident, b.Names(), &copySource{batch: b})
}

// copySource adapts a Batch to pgx.CopyFromSource.
type copySource struct {
	batch *Batch
	next  int
}

func (s *copySource) Next() bool {
	s.next++
	return s.next <= s.batch.Len()
}

func (s *copySource) Values() ([]any, error) {
	return s.batch.Row(s.next - 1), nil
}

func (s *copySource) Err() error { return nil }
