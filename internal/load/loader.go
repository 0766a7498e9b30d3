package load

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"metrofleet/internal/config"
	"metrofleet/internal/operations"
	"metrofleet/internal/partition"
	"metrofleet/internal/warehouse"
)

// EmptyBatchPolicy decides what a partition load does with zero rows
type EmptyBatchPolicy string

const (
	// EmptySkip leaves the table untouched
	EmptySkip EmptyBatchPolicy = "skip"
	// EmptyClear deletes the window, driving the partition to zero rows
	EmptyClear EmptyBatchPolicy = "clear"
)

// DefaultTxTimeout bounds one delete+insert transaction
const DefaultTxTimeout = 10 * time.Minute

// Loader writes batches into warehouse tables so that reruns converge on
// the same table state.
type Loader struct {
	conn      warehouse.Connector
	policy    EmptyBatchPolicy
	txTimeout time.Duration
	logger    *slog.Logger
}

// NewLoader creates a loader over conn
func NewLoader(conn warehouse.Connector, cfg config.LoadConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		conn:      conn,
		policy:    EmptyBatchPolicy(cfg.EmptyBatchPolicy),
		txTimeout: cfg.TxTimeout,
		logger:    logger.With(slog.String("component", "loader")),
	}
	if l.policy == "" {
		l.policy = EmptySkip
	}
	if l.txTimeout <= 0 {
		l.txTimeout = DefaultTxTimeout
	}
	return l
}

// Load replaces the rows of table whose keyColumn lies in the partition
// window with batch, in one transaction. It returns the rows written.
func (l *Loader) Load(ctx context.Context, table string, p partition.Partition, batch *warehouse.Batch, keyColumn string) (int64, error) {
	logger := l.logger.With(slog.String("table", table), slog.String("partition", p.Key))

	if batch.Empty() {
		return l.loadEmpty(ctx, logger, table, p, keyColumn)
	}

	// rows outside the window would survive the next delete and duplicate
	inWindow, dropped, err := batch.FilterWindow(keyColumn, p.Window)
	if err != nil {
		return 0, operations.NewValidationError(fmt.Sprintf("load %s: %v", table, err))
	}
	if dropped > 0 {
		return 0, operations.NewValidationError(
			fmt.Sprintf("load %s: %d rows fall outside %s", table, dropped, p.Window))
	}

	if err := l.ensureTable(ctx, table, batch.Schema()); err != nil {
		return 0, err
	}

	var deleted, written int64
	err = l.inTx(ctx, func(txCtx context.Context, tx warehouse.Tx) error {
		var err error
		if deleted, err = tx.DeleteRange(txCtx, table, keyColumn, p.Window.Start, p.Window.End); err != nil {
			return fmt.Errorf("delete window: %w", err)
		}
		if written, err = tx.BulkInsert(txCtx, table, inWindow); err != nil {
			return fmt.Errorf("bulk insert: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "partition load failed", slog.String("error", err.Error()))
		return 0, operations.NewLoadError(table, err)
	}

	logger.InfoContext(ctx, "partition loaded",
		slog.Int64("deleted", deleted),
		slog.Int64("rows", written))
	return written, nil
}

func (l *Loader) loadEmpty(ctx context.Context, logger *slog.Logger, table string, p partition.Partition, keyColumn string) (int64, error) {
	switch l.policy {
	case EmptyClear:
		exists, err := l.conn.TableExists(ctx, table)
		if err != nil {
			return 0, operations.NewLoadError(table, err)
		}
		if !exists {
			logger.WarnContext(ctx, "empty batch for missing table, nothing to clear")
			return 0, nil
		}
		var deleted int64
		err = l.inTx(ctx, func(txCtx context.Context, tx warehouse.Tx) error {
			deleted, err = tx.DeleteRange(txCtx, table, keyColumn, p.Window.Start, p.Window.End)
			return err
		})
		if err != nil {
			return 0, operations.NewLoadError(table, err)
		}
		logger.WarnContext(ctx, "empty batch cleared partition", slog.Int64("deleted", deleted))
		return 0, nil
	default:
		logger.WarnContext(ctx, "empty batch, skipping write")
		return 0, nil
	}
}

// Replace truncates table and inserts batch in one transaction. An empty
// batch leaves the table empty.
func (l *Loader) Replace(ctx context.Context, table string, batch *warehouse.Batch) (int64, error) {
	if err := l.ensureTable(ctx, table, batch.Schema()); err != nil {
		return 0, err
	}

	var written int64
	err := l.inTx(ctx, func(txCtx context.Context, tx warehouse.Tx) error {
		if err := tx.Truncate(txCtx, table); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		if batch.Empty() {
			return nil
		}
		var err error
		written, err = tx.BulkInsert(txCtx, table, batch)
		return err
	})
	if err != nil {
		return 0, operations.NewLoadError(table, err)
	}

	l.logger.InfoContext(ctx, "table replaced", slog.String("table", table), slog.Int64("rows", written))
	return written, nil
}

// ReplaceWhere deletes the rows of table where column equals value and
// inserts batch, in one transaction.
func (l *Loader) ReplaceWhere(ctx context.Context, table, column string, value any, batch *warehouse.Batch) (int64, error) {
	if err := l.ensureTable(ctx, table, batch.Schema()); err != nil {
		return 0, err
	}

	var written int64
	err := l.inTx(ctx, func(txCtx context.Context, tx warehouse.Tx) error {
		if _, err := tx.DeleteEqual(txCtx, table, column, value); err != nil {
			return fmt.Errorf("delete %s: %w", column, err)
		}
		var err error
		written, err = tx.BulkInsert(txCtx, table, batch)
		return err
	})
	if err != nil {
		return 0, operations.NewLoadError(table, err)
	}
	return written, nil
}

// Prune deletes the rows of table whose column is not one of keep. A table
// that does not exist yet has nothing to prune.
func (l *Loader) Prune(ctx context.Context, table, column string, keep []any) (int64, error) {
	exists, err := l.conn.TableExists(ctx, table)
	if err != nil {
		return 0, operations.NewSchemaBootstrapError(table, err)
	}
	if !exists {
		return 0, nil
	}

	var deleted int64
	err = l.inTx(ctx, func(txCtx context.Context, tx warehouse.Tx) error {
		var err error
		deleted, err = tx.DeleteNotIn(txCtx, table, column, keep)
		return err
	})
	if err != nil {
		return 0, operations.NewLoadError(table, err)
	}
	if deleted > 0 {
		l.logger.InfoContext(ctx, "stale rows pruned",
			slog.String("table", table),
			slog.String("column", column),
			slog.Int64("rows", deleted))
	}
	return deleted, nil
}

// Append inserts batch without deleting anything
func (l *Loader) Append(ctx context.Context, table string, batch *warehouse.Batch) (int64, error) {
	if batch.Empty() {
		return 0, nil
	}
	if err := l.ensureTable(ctx, table, batch.Schema()); err != nil {
		return 0, err
	}

	var written int64
	err := l.inTx(ctx, func(txCtx context.Context, tx warehouse.Tx) error {
		var err error
		written, err = tx.BulkInsert(txCtx, table, batch)
		return err
	})
	if err != nil {
		return 0, operations.NewLoadError(table, err)
	}

	l.logger.InfoContext(ctx, "rows appended", slog.String("table", table), slog.Int64("rows", written))
	return written, nil
}

// ensureTable creates table from schema when it does not exist yet
func (l *Loader) ensureTable(ctx context.Context, table string, schema []warehouse.Column) error {
	exists, err := l.conn.TableExists(ctx, table)
	if err != nil {
		return operations.NewSchemaBootstrapError(table, err)
	}
	if exists {
		return nil
	}

	if err := l.conn.CreateTable(ctx, table, schema); err != nil {
		l.logger.ErrorContext(ctx, "table bootstrap failed", slog.String("table", table), slog.String("error", err.Error()))
		return operations.NewSchemaBootstrapError(table, err)
	}
	l.logger.InfoContext(ctx, "table bootstrapped", slog.String("table", table), slog.Int("columns", len(schema)))
	return nil
}

// inTx runs fn in a transaction that ignores cancellation of ctx, so a
// started delete+insert either commits or rolls back as a whole.
func (l *Loader) inTx(ctx context.Context, fn func(context.Context, warehouse.Tx) error) error {
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.txTimeout)
	defer cancel()

	return l.conn.InTx(txCtx, func(tx warehouse.Tx) error {
		return fn(txCtx, tx)
	})
}
