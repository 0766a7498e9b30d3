package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"

	"metrofleet/internal/warehouse"
)

// HolidayKeyColumn is the holiday date
const HolidayKeyColumn = "date"

var holidaySchema = []warehouse.Column{
	warehouse.Col("date", warehouse.TypeTimestamp),
	warehouse.Col("holiday_name", warehouse.TypeString),
	warehouse.Col("is_workday", warehouse.TypeBool),
}

// New York state observes these on top of the federal calendar
var (
	lincolnsBirthday = &cal.Holiday{
		Name:  "Lincoln's Birthday",
		Type:  cal.ObservancePublic,
		Month: time.February,
		Day:   12,
		Func:  cal.CalcDayOfMonth,
	}
	electionDay = &cal.Holiday{
		Name:    "Election Day",
		Type:    cal.ObservancePublic,
		Month:   time.November,
		Day:     2,
		Weekday: time.Tuesday,
		Offset:  1,
		Func:    cal.CalcWeekdayFrom,
	}
)

// nyHolidays is the federal calendar plus the New York additions
var nyHolidays = []*cal.Holiday{
	us.NewYear,
	us.MlkDay,
	us.PresidentsDay,
	lincolnsBirthday,
	us.MemorialDay,
	us.Juneteenth,
	us.IndependenceDay,
	us.LaborDay,
	us.ColumbusDay,
	electionDay,
	us.VeteransDay,
	us.ThanksgivingDay,
	us.ChristmasDay,
}

// HolidayExtractor generates the New York holiday calendar
type HolidayExtractor struct {
	fromYear int
	toYear   int
	logger   *slog.Logger
}

// NewHolidayExtractor creates a generator for the years fromYear..toYear
func NewHolidayExtractor(fromYear, toYear int, logger *slog.Logger) *HolidayExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HolidayExtractor{
		fromYear: fromYear,
		toYear:   toYear,
		logger:   logger.With(slog.String("component", "holiday_extractor")),
	}
}

// Extract returns one row per holiday, plus an "(observed)" row when the
// day off moves to a Friday or Monday. Rows are ordered by date.
func (e *HolidayExtractor) Extract(ctx context.Context) (*warehouse.Batch, error) {
	return e.ExtractYears(ctx, e.fromYear, e.toYear)
}

// ExtractYears generates the calendar for fromYear..toYear inclusive
func (e *HolidayExtractor) ExtractYears(ctx context.Context, fromYear, toYear int) (*warehouse.Batch, error) {
	if toYear < fromYear {
		return nil, fmt.Errorf("holiday range %d..%d is empty", fromYear, toYear)
	}

	type row struct {
		date time.Time
		name string
	}
	var rows []row
	for year := fromYear; year <= toYear; year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, h := range nyHolidays {
			actual, observed := h.Calc(year)
			if actual.IsZero() {
				continue
			}
			rows = append(rows, row{date: civilDate(actual), name: h.Name})
			if !observed.IsZero() && civilDate(observed) != civilDate(actual) {
				rows = append(rows, row{date: civilDate(observed), name: h.Name + " (observed)"})
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].date.Before(rows[j].date) })

	b := warehouse.NewBatch(holidaySchema...)
	for _, r := range rows {
		if err := b.Append(r.date, r.name, false); err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "holiday calendar generated",
		slog.Int("from_year", fromYear),
		slog.Int("to_year", toYear),
		slog.Int("rows", b.Len()))
	return b, nil
}

// civilDate drops the location so dates compare as naive calendar days
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
