package assets

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"metrofleet/internal/compute"
	"metrofleet/internal/extract"
	"metrofleet/internal/operations"
)

// Asset names
const (
	TaxiFile       = "raw_taxi_file"
	YellowTrips    = "raw_yellow_trips"
	Weather        = "raw_weather"
	Holidays       = "raw_holidays"
	FctTrips       = "fct_trips"
	DailyRevenue   = "dm_daily_revenue"
	PriceModel     = "price_model_training"
	DemandForecast = "borough_demand_forecast"
	FraudDetection = "fraud_detection_job"
)

// Catalog builds the pipeline's assets over one set of resources
type Catalog struct {
	res      Resources
	taxi     *extract.TaxiExtractor
	weather  *extract.WeatherExtractor
	holidays *extract.HolidayExtractor
	forecast *compute.ForecastStage
	anomaly  *compute.AnomalyStage
	logger   *slog.Logger
}

// New wires the extractors and compute stages used by the asset bodies
func New(res Resources) (*Catalog, error) {
	if err := res.validate(); err != nil {
		return nil, err
	}
	if res.Logger == nil {
		res.Logger = slog.Default()
	}

	forecastTarget, err := TargetFor(SourceForecast)
	if err != nil {
		return nil, err
	}
	complianceTarget, err := TargetFor(SourceCompliance)
	if err != nil {
		return nil, err
	}

	cfg := res.Config
	return &Catalog{
		res:      res,
		taxi:     extract.NewTaxiExtractor(res.Runner, cfg.Extract.Taxi, res.RawDir, res.Logger),
		weather:  extract.NewWeatherExtractor(cfg.Extract.Weather, res.HTTPClient, res.Logger),
		holidays: extract.NewHolidayExtractor(cfg.Extract.Holidays.FromYear, cfg.Extract.Holidays.ToYear, res.Logger),
		forecast: compute.NewForecastStage(res.Warehouse, res.Loader, forecastTarget.Table, nil, cfg.Compute, res.Logger),
		anomaly:  compute.NewAnomalyStage(res.Warehouse, res.Loader, complianceTarget.Table, res.Models, cfg.Compute, res.Logger),
		logger:   res.Logger.With(slog.String("component", "assets")),
	}, nil
}

// Assets returns every asset in registration order. Upstreams come first, so
// registration order is also a valid tie-break for the topological sort.
func (c *Catalog) Assets() []operations.Asset {
	return []operations.Asset{
		&operations.FuncAsset{AssetName: TaxiFile, IsPartition: true, Fn: c.downloadTrips},
		&operations.FuncAsset{AssetName: YellowTrips, IsPartition: true, Deps: deps(TaxiFile), Fn: c.loadTrips},
		&operations.FuncAsset{AssetName: Weather, IsPartition: true, Fn: c.loadWeather},
		&operations.FuncAsset{AssetName: Holidays, Fn: c.loadHolidays},
		&operations.FuncAsset{AssetName: FctTrips, Deps: deps(YellowTrips, Weather, Holidays), Fn: c.dbtBuild("fct_trips")},
		&operations.FuncAsset{AssetName: DailyRevenue, Deps: deps(FctTrips), Fn: c.dbtBuild("dm_daily_revenue")},
		&operations.FuncAsset{AssetName: PriceModel, Deps: deps(DailyRevenue), Fn: c.trainPriceModel},
		&operations.FuncAsset{AssetName: DemandForecast, Deps: deps(DailyRevenue), Fn: c.forecastDemand},
		&operations.FuncAsset{AssetName: FraudDetection, Deps: deps(FctTrips), Fn: c.scanAnomalies},
	}
}

// Register adds every asset to reg
func (c *Catalog) Register(reg *operations.Registry) error {
	for _, a := range c.Assets() {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// BuildGraph registers the catalog and validates the dependency graph
func BuildGraph(res Resources) (*operations.Graph, error) {
	c, err := New(res)
	if err != nil {
		return nil, err
	}
	reg := operations.NewRegistry()
	if err := c.Register(reg); err != nil {
		return nil, err
	}
	return reg.Build()
}

// runLogger prefers the scheduler's per-run logger
func (c *Catalog) runLogger(run operations.RunContext) *slog.Logger {
	if run.Logger != nil {
		return run.Logger
	}
	return c.logger
}

func deps(names ...string) []operations.AssetRef {
	refs := make([]operations.AssetRef, len(names))
	for i, n := range names {
		refs[i] = operations.Dep(n)
	}
	return refs
}

func (c *Catalog) downloadTrips(ctx context.Context, run operations.RunContext) (operations.Output, error) {
	path, err := c.taxi.Download(ctx, run.Partition)
	if err != nil {
		return operations.Output{}, err
	}
	return operations.Output{Message: path}, nil
}

// loadTrips reads the file left by raw_taxi_file for the same partition
func (c *Catalog) loadTrips(ctx context.Context, run operations.RunContext) (operations.Output, error) {
	target, err := TargetFor(SourceTaxiTrips)
	if err != nil {
		return operations.Output{}, err
	}
	batch, err := c.taxi.Read(ctx, c.taxi.Path(run.Partition), run.Partition)
	if err != nil {
		return operations.Output{}, err
	}
	n, err := c.res.Loader.Load(ctx, target.Table, run.Partition, batch, target.KeyColumn)
	if err != nil {
		return operations.Output{}, err
	}
	return operations.Output{Rows: n}, nil
}

func (c *Catalog) loadWeather(ctx context.Context, run operations.RunContext) (operations.Output, error) {
	target, err := TargetFor(SourceWeather)
	if err != nil {
		return operations.Output{}, err
	}
	batch, err := c.weather.Extract(ctx, run.Partition)
	if err != nil {
		return operations.Output{}, err
	}
	n, err := c.res.Loader.Load(ctx, target.Table, run.Partition, batch, target.KeyColumn)
	if err != nil {
		return operations.Output{}, err
	}
	return operations.Output{Rows: n}, nil
}

// loadHolidays refreshes the whole calendar
func (c *Catalog) loadHolidays(ctx context.Context, _ operations.RunContext) (operations.Output, error) {
	target, err := TargetFor(SourceHolidays)
	if err != nil {
		return operations.Output{}, err
	}
	batch, err := c.holidays.Extract(ctx)
	if err != nil {
		return operations.Output{}, err
	}
	n, err := c.res.Loader.Replace(ctx, target.Table, batch)
	if err != nil {
		return operations.Output{}, err
	}
	return operations.Output{Rows: n}, nil
}

// dbtBuild runs one dbt model. The exit status is the completion signal.
func (c *Catalog) dbtBuild(model string) operations.MaterializeFunc {
	return func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		t := c.res.Config.Transform
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}

		cmd := extract.Command{Name: t.Binary, Args: []string{"build", "--select", model}}
		if t.ProjectDir != "" {
			cmd.Args = append(cmd.Args, "--project-dir", t.ProjectDir)
		}
		if t.ProfilesDir != "" {
			cmd.Args = append(cmd.Args, "--profiles-dir", t.ProfilesDir)
		}
		if t.TargetPath != "" {
			// dbt writes its artifacts outside the project directory
			cmd.Env = []string{"DBT_TARGET_PATH=" + t.TargetPath}
		}

		res, err := extract.RunChecked(ctx, c.res.Runner, cmd)
		if err != nil {
			return operations.Output{}, err
		}
		c.runLogger(run).InfoContext(ctx, "dbt model built",
			slog.String("model", model),
			slog.Duration("duration", res.Duration))
		return operations.Output{Message: cmd.String()}, nil
	}
}

func (c *Catalog) trainPriceModel(ctx context.Context, run operations.RunContext) (operations.Output, error) {
	t := c.res.Config.Training
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := extract.Command{
		Name: t.Python,
		Args: []string{
			"-m", t.Module,
			"--model_type", t.ModelType,
			"--n_estimators", strconv.Itoa(t.NEstimators),
			"--learning_rate", strconv.FormatFloat(t.LearningRate, 'g', -1, 64),
			"--max_depth", strconv.Itoa(t.MaxDepth),
		},
		Dir: t.WorkDir,
	}

	res, err := extract.RunChecked(ctx, c.res.Runner, cmd)
	if err != nil {
		return operations.Output{}, err
	}
	c.runLogger(run).InfoContext(ctx, "price model trained",
		slog.String("model_type", t.ModelType),
		slog.Duration("duration", res.Duration))
	return operations.Output{Message: fmt.Sprintf("trained %s model", t.ModelType)}, nil
}

func (c *Catalog) forecastDemand(ctx context.Context, _ operations.RunContext) (operations.Output, error) {
	res, err := c.forecast.Run(ctx)
	if err != nil {
		return operations.Output{}, err
	}
	return operations.Output{
		Rows:    res.Rows,
		Message: fmt.Sprintf("%d groups forecast, %d skipped", len(res.Groups), len(res.Skipped)),
	}, nil
}

func (c *Catalog) scanAnomalies(ctx context.Context, run operations.RunContext) (operations.Output, error) {
	res, err := c.anomaly.Run(ctx, run.RunID)
	if err != nil {
		return operations.Output{}, err
	}
	return operations.Output{
		Rows:    res.Flagged,
		Message: fmt.Sprintf("%d of %d trips flagged", res.Flagged, res.Scored),
	}, nil
}
