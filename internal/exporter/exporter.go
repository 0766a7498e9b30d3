package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"metrofleet/internal/warehouse"
)

// snapshotter is implemented by warehouses that cannot run SQL but can hand
// out a table's contents, such as warehouse.Memory
type snapshotter interface {
	Snapshot(table string) (*warehouse.Batch, bool)
}

// Result describes a finished export
type Result struct {
	Table    string        `json:"table"`
	Format   Format        `json:"format"`
	Path     string        `json:"path"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration"`
}

// Exporter writes warehouse tables to files
type Exporter struct {
	source warehouse.Connector
	dir    string
	logger *slog.Logger
}

// NewExporter creates an exporter. Relative output paths are resolved
// against dir.
func NewExporter(source warehouse.Connector, dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		source: source,
		dir:    dir,
		logger: logger.With(slog.String("component", "exporter")),
	}
}

// Export writes table to out in the given format. An empty out names the
// file after the table.
func (e *Exporter) Export(ctx context.Context, table string, format Format, out string) (*Result, error) {
	start := time.Now()

	exists, err := e.source.TableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("check table %s: %w", table, err)
	}
	if !exists {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	b, err := e.fetch(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}

	path := e.resolvePath(table, format, out)
	switch format {
	case FormatCSV:
		err = writeCSV(path, b)
	case FormatXLSX:
		err = writeXLSX(path, table, b)
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{
		Table:    table,
		Format:   format,
		Path:     path,
		Rows:     b.Len(),
		Duration: time.Since(start),
	}
	e.logger.InfoContext(ctx, "table exported",
		slog.String("table", table),
		slog.String("format", string(format)),
		slog.String("path", path),
		slog.Int("rows", res.Rows))
	return res, nil
}

func (e *Exporter) fetch(ctx context.Context, table string) (*warehouse.Batch, error) {
	if snap, ok := e.source.(snapshotter); ok {
		b, found := snap.Snapshot(table)
		if !found {
			return nil, fmt.Errorf("table %s does not exist", table)
		}
		return b, nil
	}
	return e.source.Query(ctx, "SELECT * FROM "+warehouse.QuoteIdent(table))
}

func (e *Exporter) resolvePath(table string, format Format, out string) string {
	if out == "" {
		out = table + format.Ext()
	}
	if filepath.IsAbs(out) || e.dir == "" {
		return out
	}
	return filepath.Join(e.dir, out)
}
