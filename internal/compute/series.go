package compute

import (
	"context"
	"time"

	"metrofleet/internal/warehouse"
)

// Querier runs read-only SQL against the warehouse. warehouse.Connector
// satisfies it.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*warehouse.Batch, error)
}

// Observation is one hourly value of a series
type Observation struct {
	Time  time.Time
	Value float64
}

// Series is an ordered run of observations for one group
type Series struct {
	Group        string
	Observations []Observation
}

// Len returns the number of observations
func (s Series) Len() int { return len(s.Observations) }

// Last returns the newest observation time
func (s Series) Last() time.Time {
	if len(s.Observations) == 0 {
		return time.Time{}
	}
	return s.Observations[len(s.Observations)-1].Time
}

// asFloat converts a numeric warehouse value. NULLs and non-numbers report false.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
