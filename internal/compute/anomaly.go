package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"metrofleet/internal/config"
	"metrofleet/internal/load"
	"metrofleet/internal/operations"
	"metrofleet/internal/warehouse"
)

// Labels returned by a Detector
const (
	LabelNormal  = 1
	LabelAnomaly = -1
)

// DefaultThreshold is the z-score above which a feature marks a row anomalous
const DefaultThreshold = 3.0

// AnomalyFeatures are the scored columns, in model input order
var AnomalyFeatures = []string{"trip_distance", "total_amount", "duration_seconds"}

var flagSchema = []warehouse.Column{
	warehouse.Col("vendor_id", warehouse.TypeInt64),
	warehouse.Col("pickup_datetime", warehouse.TypeTimestamp),
	warehouse.Col("trip_distance", warehouse.TypeFloat64),
	warehouse.Col("total_amount", warehouse.TypeFloat64),
	warehouse.Col("duration_seconds", warehouse.TypeFloat64),
	warehouse.Col("anomaly_score", warehouse.TypeInt64),
	warehouse.Col("rule_id", warehouse.TypeString),
	warehouse.Col("run_id", warehouse.TypeString),
	warehouse.Col("flagged_at", warehouse.TypeTimestamp),
}

// Detector labels feature rows LabelNormal or LabelAnomaly
type Detector interface {
	Predict(features [][]float64) ([]int, error)
}

// ZScoreDetector flags a row when any feature lies more than Threshold
// standard deviations from its training mean.
type ZScoreDetector struct {
	Version   string    `json:"version,omitempty"`
	Features  []string  `json:"features"`
	Means     []float64 `json:"means"`
	Stds      []float64 `json:"stds"`
	Threshold float64   `json:"threshold,omitempty"`
}

// DecodeDetector parses a z-score artifact and checks it matches AnomalyFeatures
func DecodeDetector(data []byte) (*ZScoreDetector, error) {
	var d ZScoreDetector
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode detector: %w", err)
	}
	if !slices.Equal(d.Features, AnomalyFeatures) {
		return nil, fmt.Errorf("detector features %v, want %v", d.Features, AnomalyFeatures)
	}
	if len(d.Means) != len(d.Features) || len(d.Stds) != len(d.Features) {
		return nil, fmt.Errorf("detector has %d means and %d stds for %d features", len(d.Means), len(d.Stds), len(d.Features))
	}
	if d.Threshold <= 0 {
		d.Threshold = DefaultThreshold
	}
	return &d, nil
}

// Predict implements Detector. Features with zero spread are ignored.
func (d *ZScoreDetector) Predict(features [][]float64) ([]int, error) {
	labels := make([]int, len(features))
	for i, row := range features {
		if len(row) != len(d.Means) {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), len(d.Means))
		}
		labels[i] = LabelNormal
		for f, v := range row {
			if d.Stds[f] <= 0 {
				continue
			}
			if math.Abs(v-d.Means[f])/d.Stds[f] > d.Threshold {
				labels[i] = LabelAnomaly
				break
			}
		}
	}
	return labels, nil
}

// AnomalyResult summarizes one scan
type AnomalyResult struct {
	Scanned int
	Scored  int
	Flagged int64
}

// AnomalyStage scores the most recent trips and appends the anomalous ones
// to the compliance table.
type AnomalyStage struct {
	source Querier
	loader *load.Loader
	table  string
	models *ModelStore
	cfg    config.ComputeConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewAnomalyStage creates a stage appending flags to table, with the
// detector read from models
func NewAnomalyStage(source Querier, loader *load.Loader, table string, models *ModelStore, cfg config.ComputeConfig, logger *slog.Logger) *AnomalyStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyStage{
		source: source,
		loader: loader,
		table:  table,
		models: models,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "anomaly_stage")),
	}
}

// Detector loads and decodes the configured artifact
func (s *AnomalyStage) Detector(ctx context.Context) (Detector, error) {
	data, err := s.models.Load(ctx, s.cfg.AnomalyModelKey)
	if err != nil {
		return nil, err
	}
	d, err := DecodeDetector(data)
	if err != nil {
		return nil, operations.NewValidationError(fmt.Sprintf("model %s: %v", s.cfg.AnomalyModelKey, err))
	}
	return d, nil
}

// RecentTrips reads the newest ScanLimit trips with their scored features
func (s *AnomalyStage) RecentTrips(ctx context.Context) (*warehouse.Batch, error) {
	q := fmt.Sprintf(`SELECT CAST(vendor_id AS BIGINT) AS vendor_id,
       pickup_datetime,
       CAST(trip_distance AS DOUBLE PRECISION) AS trip_distance,
       CAST(total_amount AS DOUBLE PRECISION) AS total_amount,
       CAST(date_part('epoch', dropoff_datetime - pickup_datetime) AS DOUBLE PRECISION) AS duration_seconds
FROM %s
ORDER BY pickup_datetime DESC
LIMIT $1`, warehouse.QuoteIdent(s.cfg.FactTable))

	batch, err := s.source.Query(ctx, q, s.cfg.ScanLimit)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, operations.NewExtractionError(fmt.Sprintf("read recent trips from %s", s.cfg.FactTable), "", err)
	}
	return batch, nil
}

// Run scores the recent trips with the stored detector. A missing artifact
// returns a ModelUnavailable error before any query is made.
func (s *AnomalyStage) Run(ctx context.Context, runID string) (AnomalyResult, error) {
	detector, err := s.Detector(ctx)
	if err != nil {
		return AnomalyResult{}, err
	}

	trips, err := s.RecentTrips(ctx)
	if err != nil {
		return AnomalyResult{}, err
	}

	res := AnomalyResult{Scanned: trips.Len()}
	features, rows, err := featureMatrix(trips)
	if err != nil {
		return AnomalyResult{}, err
	}
	res.Scored = len(rows)
	if res.Scored < res.Scanned {
		s.logger.WarnContext(ctx, "trips with missing features not scored", slog.Int("count", res.Scanned-res.Scored))
	}

	labels, err := detector.Predict(features)
	if err != nil {
		return AnomalyResult{}, operations.NewInternalError("score trips", err)
	}

	flagged := warehouse.NewBatch(flagSchema...)
	flaggedAt := s.now()
	vendor, pickup := trips.Index("vendor_id"), trips.Index("pickup_datetime")
	for i, label := range labels {
		if label != LabelAnomaly {
			continue
		}
		r := rows[i]
		if err := flagged.Append(
			trips.Columns[vendor].Values[r],
			trips.Columns[pickup].Values[r],
			features[i][0], features[i][1], features[i][2],
			int64(LabelAnomaly),
			s.cfg.RuleID,
			runID,
			flaggedAt,
		); err != nil {
			return AnomalyResult{}, operations.NewInternalError("build flag rows", err)
		}
	}

	if res.Flagged, err = s.loader.Append(ctx, s.table, flagged); err != nil {
		return AnomalyResult{}, err
	}

	s.logger.InfoContext(ctx, "anomaly scan complete",
		slog.Int("scanned", res.Scanned),
		slog.Int("scored", res.Scored),
		slog.Int64("flagged", res.Flagged),
		slog.String("rule_id", s.cfg.RuleID))
	return res, nil
}

// featureMatrix extracts AnomalyFeatures from b. Rows with a NULL feature are
// left out; the second result maps matrix rows back to batch rows.
func featureMatrix(b *warehouse.Batch) ([][]float64, []int, error) {
	required := append([]string{"vendor_id", "pickup_datetime"}, AnomalyFeatures...)
	idx := make([]int, len(AnomalyFeatures))
	for _, name := range required {
		if b.Index(name) < 0 {
			return nil, nil, operations.NewValidationError(fmt.Sprintf("trip scan is missing column %s", name))
		}
	}
	for i, name := range AnomalyFeatures {
		idx[i] = b.Index(name)
	}

	var features [][]float64
	var rows []int
	for r := 0; r < b.Len(); r++ {
		row := make([]float64, len(idx))
		complete := true
		for f, c := range idx {
			v, ok := asFloat(b.Columns[c].Values[r])
			if !ok {
				complete = false
				break
			}
			row[f] = v
		}
		if complete {
			features = append(features, row)
			rows = append(rows, r)
		}
	}
	return features, rows, nil
}
