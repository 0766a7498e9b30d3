package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"metrofleet/internal/config"
	"metrofleet/internal/operations"
	"metrofleet/internal/partition"
	"metrofleet/internal/warehouse"
)

// TaxiKeyColumn is the pickup timestamp that assigns a trip to a partition
const TaxiKeyColumn = "tpep_pickup_datetime"

// TaxiExtractor drives the external trip download tool and reads the files
// it produces.
type TaxiExtractor struct {
	runner Runner
	cfg    config.TaxiConfig
	dir    string
	logger *slog.Logger
}

// NewTaxiExtractor creates an extractor writing downloads to dir
func NewTaxiExtractor(runner Runner, cfg config.TaxiConfig, dir string, logger *slog.Logger) *TaxiExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaxiExtractor{
		runner: runner,
		cfg:    cfg,
		dir:    dir,
		logger: logger.With(slog.String("component", "taxi_extractor")),
	}
}

// Path is where the tool leaves the file for p, following its
// <resource>_tripdata_YYYY-MM.parquet naming.
func (e *TaxiExtractor) Path(p partition.Partition) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_tripdata_%s.parquet", e.cfg.Resource, p.Month()))
}

// Download fetches one month with the external tool and returns the file
// path. A non-zero exit fails with the tool's stderr.
func (e *TaxiExtractor) Download(ctx context.Context, p partition.Partition) (string, error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", operations.NewExtractionError("prepare download directory", "", err)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	month := p.Month()
	cmd := Command{
		Name: e.cfg.Tool,
		Args: []string{
			"download",
			"--type", e.cfg.Resource,
			"--start", month,
			"--end", month,
			"--output", e.dir,
			"--concurrency", strconv.Itoa(e.cfg.Concurrency),
		},
	}

	e.logger.InfoContext(ctx, "downloading trip file",
		slog.String("partition", p.Key),
		slog.String("resource", e.cfg.Resource))

	res, err := RunChecked(ctx, e.runner, cmd)
	if err != nil {
		e.logger.ErrorContext(ctx, "trip download failed",
			slog.String("partition", p.Key),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", res.Stderr))
		return "", err
	}

	path := e.Path(p)
	if _, err := os.Stat(path); err != nil {
		return "", operations.NewExtractionError(
			fmt.Sprintf("%s reported success but produced no file", e.cfg.Tool), res.Stdout, err)
	}

	e.logger.InfoContext(ctx, "trip file downloaded",
		slog.String("partition", p.Key),
		slog.String("path", path),
		slog.Duration("duration", res.Duration))
	return path, nil
}

// Read loads the file at path and keeps only trips picked up inside the
// partition window. Dropped rows are logged, not returned.
func (e *TaxiExtractor) Read(ctx context.Context, path string, p partition.Partition) (*warehouse.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := ReadParquet(path)
	if err != nil {
		return nil, operations.NewExtractionError("read trip file", path, err)
	}

	batch, dropped, err := raw.FilterWindow(TaxiKeyColumn, p.Window)
	if err != nil {
		return nil, operations.NewExtractionError("filter trip file", path, err)
	}
	if dropped > 0 {
		e.logger.WarnContext(ctx, "dropped trips outside partition window",
			slog.String("partition", p.Key),
			slog.Int("dropped", dropped),
			slog.Int("kept", batch.Len()))
	}
	return batch, nil
}
