package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"metrofleet/internal/config"
	"metrofleet/internal/operations"
	"metrofleet/internal/partition"
	"metrofleet/internal/warehouse"
)

// WeatherKeyColumn is the observation hour that assigns a row to a partition
const WeatherKeyColumn = "timestamp"

const (
	weatherHourly     = "temperature_2m,precipitation,rain,snowfall,windspeed_10m"
	weatherTimeLayout = "2006-01-02T15:04"
	maxErrorBody      = 64 << 10
)

// weatherSchema is the layout of raw_weather
var weatherSchema = []warehouse.Column{
	warehouse.Col("timestamp", warehouse.TypeTimestamp),
	warehouse.Col("temp_c", warehouse.TypeFloat64),
	warehouse.Col("precip_mm", warehouse.TypeFloat64),
	warehouse.Col("snow_cm", warehouse.TypeFloat64),
	warehouse.Col("wind_kmh", warehouse.TypeFloat64),
}

type archiveResponse struct {
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
		Precipitation []*float64 `json:"precipitation"`
		Snowfall      []*float64 `json:"snowfall"`
		Windspeed10m  []*float64 `json:"windspeed_10m"`
	} `json:"hourly"`
}

// WeatherExtractor reads hourly observations from the Open-Meteo archive
type WeatherExtractor struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     config.WeatherConfig
	logger  *slog.Logger
	now     func() time.Time
}

// WeatherOption configures a WeatherExtractor
type WeatherOption func(*WeatherExtractor)

// WithWeatherClock overrides time.Now when bounding request dates
func WithWeatherClock(now func() time.Time) WeatherOption {
	return func(e *WeatherExtractor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewWeatherExtractor creates an extractor. Requests are paced to cfg.RPS.
func NewWeatherExtractor(cfg config.WeatherConfig, client *http.Client, logger *slog.Logger, opts ...WeatherOption) *WeatherExtractor {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	e := &WeatherExtractor{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "weather_extractor")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract fetches the partition's month and returns the rows inside its
// window. The archive's end_date is inclusive, so the request covers the
// first day of the next month and the overlap is filtered out. For the
// current month the request stops at today in the configured timezone.
func (e *WeatherExtractor) Extract(ctx context.Context, p partition.Partition) (*warehouse.Batch, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, operations.NewExtractionError("weather request not sent", "", err)
	}

	start, end := e.requestDates(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.requestURL(start, end), nil)
	if err != nil {
		return nil, operations.NewExtractionError("build weather request", "", err)
	}
	req.Header.Set("Accept", "application/json")

	e.logger.InfoContext(ctx, "fetching weather",
		slog.String("partition", p.Key),
		slog.String("start_date", start.Format(time.DateOnly)),
		slog.String("end_date", end.Format(time.DateOnly)))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, operations.NewExtractionError("weather request failed", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, operations.NewExtractionError(
			fmt.Sprintf("weather archive returned %s", resp.Status),
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body), nil)
	}

	var payload archiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, operations.NewExtractionError("decode weather response", "", err)
	}

	raw, err := normalizeHourly(payload)
	if err != nil {
		return nil, operations.NewExtractionError("normalize weather response", "", err)
	}

	batch, dropped, err := raw.FilterWindow(WeatherKeyColumn, p.Window)
	if err != nil {
		return nil, operations.NewExtractionError("filter weather rows", "", err)
	}

	e.logger.InfoContext(ctx, "weather retrieved",
		slog.String("partition", p.Key),
		slog.Int("rows", batch.Len()),
		slog.Int("dropped", dropped))
	return batch, nil
}

// requestDates returns the inclusive archive dates for p. The end is capped
// at today so the archive is never asked for days that have not happened.
func (e *WeatherExtractor) requestDates(p partition.Partition) (start, end time.Time) {
	loc, err := time.LoadLocation(e.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := e.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	start, end = p.Window.Start, p.Window.End
	if today.Before(end) {
		end = today
	}
	if end.Before(start) {
		end = start
	}
	return start, end
}

func (e *WeatherExtractor) requestURL(start, end time.Time) string {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(e.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(e.cfg.Longitude, 'f', -1, 64))
	q.Set("start_date", start.Format(time.DateOnly))
	q.Set("end_date", end.Format(time.DateOnly))
	q.Set("hourly", weatherHourly)
	q.Set("timezone", e.cfg.Timezone)
	return e.cfg.BaseURL + "?" + q.Encode()
}

// normalizeHourly turns the parallel hourly arrays into columns. Missing
// readings become NULLs.
func normalizeHourly(r archiveResponse) (*warehouse.Batch, error) {
	h := r.Hourly
	n := len(h.Time)
	for name, arr := range map[string][]*float64{
		"temperature_2m": h.Temperature2m,
		"precipitation":  h.Precipitation,
		"snowfall":       h.Snowfall,
		"windspeed_10m":  h.Windspeed10m,
	} {
		if len(arr) != n {
			return nil, fmt.Errorf("hourly %s has %d values, time has %d", name, len(arr), n)
		}
	}

	b := warehouse.NewBatch(weatherSchema...)
	for i, ts := range h.Time {
		t, err := time.ParseInLocation(weatherTimeLayout, ts, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("hourly time %q: %w", ts, err)
		}
		if err := b.Append(t, deref(h.Temperature2m[i]), deref(h.Precipitation[i]), deref(h.Snowfall[i]), deref(h.Windspeed10m[i])); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
