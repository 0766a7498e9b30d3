package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"metrofleet/internal/config"
	"metrofleet/internal/load"
	"metrofleet/internal/operations"
	"metrofleet/internal/warehouse"
)

// Forecast write policies
const (
	// WritePerGroup replaces each fitted group in its own transaction, then
	// drops the rows of every group not fitted in this run
	WritePerGroup = "per_group"
	// WriteOverwrite truncates the forecast table before writing
	WriteOverwrite = "overwrite"
)

// GroupColumn holds the group a forecast row belongs to
const GroupColumn = "group_dimension"

// DefaultInterval is the coverage of the confidence band
const DefaultInterval = 0.8

const hoursPerWeek = 7 * 24

// excluded boroughs carry no location signal
const unknownBorough = "Unknown"

var forecastSchema = []warehouse.Column{
	warehouse.Col("forecast_timestamp", warehouse.TypeTimestamp),
	warehouse.Col("predicted_value", warehouse.TypeFloat64),
	warehouse.Col("conf_lower", warehouse.TypeFloat64),
	warehouse.Col("conf_upper", warehouse.TypeFloat64),
	warehouse.Col(GroupColumn, warehouse.TypeString),
}

// ForecastPoint is one predicted hour
type ForecastPoint struct {
	Time  time.Time
	Value float64
	Lower float64
	Upper float64
}

// Forecaster fits a model to one series
type Forecaster interface {
	Fit(series Series) (Model, error)
}

// Model predicts the hours following the fitted series
type Model interface {
	Forecast(horizon int) []ForecastPoint
}

// SeasonalForecaster predicts the mean of each hour of the week, with a band
// of Interval coverage derived from the residual standard deviation.
type SeasonalForecaster struct {
	Interval float64
}

// Fit implements Forecaster
func (f SeasonalForecaster) Fit(series Series) (Model, error) {
	if series.Len() < 2 {
		return nil, fmt.Errorf("series %s has %d points, need at least 2", series.Group, series.Len())
	}
	interval := f.Interval
	if interval <= 0 || interval >= 1 {
		interval = DefaultInterval
	}

	var sums [hoursPerWeek]float64
	var counts [hoursPerWeek]int
	var total float64
	for _, o := range series.Observations {
		b := hourOfWeek(o.Time)
		sums[b] += o.Value
		counts[b]++
		total += o.Value
	}

	m := &seasonalModel{
		last: series.Last(),
		z:    math.Sqrt2 * math.Erfinv(interval),
	}
	overall := total / float64(series.Len())
	for b := range m.means {
		if counts[b] == 0 {
			m.means[b] = overall
			continue
		}
		m.means[b] = sums[b] / float64(counts[b])
	}

	var sq float64
	for _, o := range series.Observations {
		r := o.Value - m.means[hourOfWeek(o.Time)]
		sq += r * r
	}
	m.sd = math.Sqrt(sq / float64(series.Len()))
	return m, nil
}

type seasonalModel struct {
	means [hoursPerWeek]float64
	sd    float64
	z     float64
	last  time.Time
}

func (m *seasonalModel) Forecast(horizon int) []ForecastPoint {
	points := make([]ForecastPoint, 0, horizon)
	half := m.z * m.sd
	for i := 1; i <= horizon; i++ {
		ts := m.last.Add(time.Duration(i) * time.Hour)
		v := m.means[hourOfWeek(ts)]
		points = append(points, ForecastPoint{
			Time:  ts,
			Value: v,
			Lower: math.Max(0, v-half),
			Upper: v + half,
		})
	}
	return points
}

func hourOfWeek(t time.Time) int {
	return int(t.Weekday())*24 + t.Hour()
}

// ForecastResult summarizes one forecast run
type ForecastResult struct {
	Groups  []string
	Skipped []string
	Rows    int64
}

// ForecastStage fits one model per pickup borough and writes the forecasts
type ForecastStage struct {
	source     Querier
	loader     *load.Loader
	table      string
	forecaster Forecaster
	cfg        config.ComputeConfig
	logger     *slog.Logger
}

// NewForecastStage creates a stage writing forecasts to table. A nil
// forecaster means SeasonalForecaster.
func NewForecastStage(source Querier, loader *load.Loader, table string, forecaster Forecaster, cfg config.ComputeConfig, logger *slog.Logger) *ForecastStage {
	if logger == nil {
		logger = slog.Default()
	}
	if forecaster == nil {
		forecaster = SeasonalForecaster{Interval: DefaultInterval}
	}
	return &ForecastStage{
		source:     source,
		loader:     loader,
		table:      table,
		forecaster: forecaster,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "forecast_stage")),
	}
}

// HourlyDemand reads pickups per borough and hour from the fact table
func (s *ForecastStage) HourlyDemand(ctx context.Context) ([]Series, error) {
	q := fmt.Sprintf(`SELECT date_trunc('hour', pickup_datetime) AS ds,
       pickup_borough,
       CAST(count(*) AS BIGINT) AS trips
FROM %s
WHERE pickup_borough IS NOT NULL AND pickup_borough <> '%s'
GROUP BY 1, 2
ORDER BY 2, 1`, warehouse.QuoteIdent(s.cfg.FactTable), unknownBorough)

	batch, err := s.source.Query(ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, operations.NewExtractionError(fmt.Sprintf("read hourly demand from %s", s.cfg.FactTable), "", err)
	}
	return groupSeries(batch)
}

// groupSeries splits a (ds, pickup_borough, trips) batch into sorted series
func groupSeries(b *warehouse.Batch) ([]Series, error) {
	tsIdx, groupIdx, valIdx := b.Index("ds"), b.Index("pickup_borough"), b.Index("trips")
	if tsIdx < 0 || groupIdx < 0 || valIdx < 0 {
		return nil, operations.NewValidationError(fmt.Sprintf("demand query returned columns %v", b.Names()))
	}

	byGroup := make(map[string][]Observation)
	for i := 0; i < b.Len(); i++ {
		group, ok := b.Columns[groupIdx].Values[i].(string)
		if !ok || group == "" || group == unknownBorough {
			continue
		}
		ts, ok := b.Columns[tsIdx].Values[i].(time.Time)
		if !ok {
			continue
		}
		v, ok := asFloat(b.Columns[valIdx].Values[i])
		if !ok {
			continue
		}
		byGroup[group] = append(byGroup[group], Observation{Time: ts, Value: v})
	}

	out := make([]Series, 0, len(byGroup))
	for group, obs := range byGroup {
		sort.Slice(obs, func(i, j int) bool { return obs[i].Time.Before(obs[j].Time) })
		out = append(out, Series{Group: group, Observations: obs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out, nil
}

// Run reads the demand history, forecasts every group with enough points and
// writes the result under the configured write policy.
func (s *ForecastStage) Run(ctx context.Context) (ForecastResult, error) {
	series, err := s.HourlyDemand(ctx)
	if err != nil {
		return ForecastResult{}, err
	}

	var res ForecastResult
	batches := make(map[string]*warehouse.Batch)
	for _, ser := range series {
		if ser.Len() < s.cfg.MinObservations {
			s.logger.WarnContext(ctx, "skipping group with short history",
				slog.String("group", ser.Group),
				slog.Int("points", ser.Len()),
				slog.Int("min", s.cfg.MinObservations))
			res.Skipped = append(res.Skipped, ser.Group)
			continue
		}

		model, err := s.forecaster.Fit(ser)
		if err != nil {
			return ForecastResult{}, operations.NewInternalError(fmt.Sprintf("fit %s", ser.Group), err)
		}
		if batches[ser.Group], err = forecastBatch(ser.Group, model.Forecast(s.cfg.ForecastHorizon)); err != nil {
			return ForecastResult{}, operations.NewInternalError(fmt.Sprintf("forecast rows for %s", ser.Group), err)
		}
		res.Groups = append(res.Groups, ser.Group)
	}

	if len(res.Groups) == 0 {
		s.logger.WarnContext(ctx, "no group has enough history, clearing forecasts", slog.Int("skipped", len(res.Skipped)))
		if _, err := s.loader.Prune(ctx, s.table, GroupColumn, nil); err != nil {
			return ForecastResult{}, err
		}
		return res, nil
	}

	if res.Rows, err = s.write(ctx, res.Groups, batches); err != nil {
		return ForecastResult{}, err
	}

	s.logger.InfoContext(ctx, "forecast written",
		slog.String("table", s.table),
		slog.String("policy", s.cfg.ForecastWritePolicy),
		slog.Int("groups", len(res.Groups)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int64("rows", res.Rows))
	return res, nil
}

func (s *ForecastStage) write(ctx context.Context, groups []string, batches map[string]*warehouse.Batch) (int64, error) {
	if s.cfg.ForecastWritePolicy == WriteOverwrite {
		all := warehouse.NewBatch(forecastSchema...)
		for _, g := range groups {
			for c := range all.Columns {
				all.Columns[c].Values = append(all.Columns[c].Values, batches[g].Columns[c].Values...)
			}
		}
		return s.loader.Replace(ctx, s.table, all)
	}

	var total int64
	keep := make([]any, len(groups))
	for i, g := range groups {
		n, err := s.loader.ReplaceWhere(ctx, s.table, GroupColumn, g, batches[g])
		if err != nil {
			return total, err
		}
		total += n
		keep[i] = g
	}
	if _, err := s.loader.Prune(ctx, s.table, GroupColumn, keep); err != nil {
		return total, err
	}
	return total, nil
}

func forecastBatch(group string, points []ForecastPoint) (*warehouse.Batch, error) {
	b := warehouse.NewBatch(forecastSchema...)
	for _, p := range points {
		if err := b.Append(p.Time, p.Value, p.Lower, p.Upper, group); err != nil {
			return nil, err
		}
	}
	return b, nil
}
