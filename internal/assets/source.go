package assets

import (
	"errors"
	"fmt"

	"metrofleet/internal/extract"
)

// ErrUnknownSourceKind is returned for a source kind with no target table
var ErrUnknownSourceKind = errors.New("unknown source kind")

// SourceKind identifies a producer whose output lands in one warehouse table
type SourceKind int

const (
	SourceTaxiTrips SourceKind = iota + 1
	SourceWeather
	SourceHolidays
	SourceForecast
	SourceCompliance
)

func (k SourceKind) String() string {
	switch k {
	case SourceTaxiTrips:
		return "taxi_trips"
	case SourceWeather:
		return "weather"
	case SourceHolidays:
		return "holidays"
	case SourceForecast:
		return "forecast"
	case SourceCompliance:
		return "compliance"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Target is the table a source writes and, for partitioned sources, the
// column whose value assigns a row to a partition.
type Target struct {
	Table     string
	KeyColumn string
}

// TargetFor maps a source kind to its table. Unknown kinds fail.
func TargetFor(kind SourceKind) (Target, error) {
	switch kind {
	case SourceTaxiTrips:
		return Target{Table: "raw_yellow_trips", KeyColumn: extract.TaxiKeyColumn}, nil
	case SourceWeather:
		return Target{Table: "raw_weather", KeyColumn: extract.WeatherKeyColumn}, nil
	case SourceHolidays:
		return Target{Table: "raw_holidays", KeyColumn: extract.HolidayKeyColumn}, nil
	case SourceForecast:
		return Target{Table: "demand_forecasts"}, nil
	case SourceCompliance:
		return Target{Table: "compliance_flags"}, nil
	default:
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownSourceKind, kind)
	}
}
