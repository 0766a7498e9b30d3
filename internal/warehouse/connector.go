package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"metrofleet/internal/config"
)

// ErrQueryUnsupported is returned by connectors that cannot evaluate ad hoc SQL.
var ErrQueryUnsupported = errors.New("query not supported by this warehouse")

// Connector is the single gateway to physical table state. Implementations
// are safe for concurrent use; every InTx call holds its own connection for
// the duration of fn and releases it on return.
type Connector interface {
	Driver() string
	Ping(ctx context.Context) error
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, table string, schema []Column) error
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (*Batch, error)
	InTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of writes allowed inside one warehouse transaction.
type Tx interface {
	DeleteRange(ctx context.Context, table, column string, start, end time.Time) (int64, error)
	DeleteEqual(ctx context.Context, table, column string, value any) (int64, error)
	// DeleteNotIn deletes every row whose column is NULL or not in keep. An
	// empty keep deletes every row.
	DeleteNotIn(ctx context.Context, table, column string, keep []any) (int64, error)
	Truncate(ctx context.Context, table string) error
	BulkInsert(ctx context.Context, table string, b *Batch) (int64, error)
}

// Open creates the connector selected by cfg.Driver.
func Open(ctx context.Context, cfg config.WarehouseConfig, logger *slog.Logger) (Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.ConnString(), cfg.Pool, logger)
	case "duckdb":
		return OpenDuckDB(ctx, cfg.DuckDBPath, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", cfg.Driver)
	}
}
