package partition

import (
	"errors"
	"fmt"
	"time"
)

// KeyLayout is the layout of monthly partition keys.
const KeyLayout = "2006-01"

// DefaultHorizon is the first month of history ingested when no horizon is configured.
var DefaultHorizon = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrInvalidKey is returned for keys that do not name a month between the
// horizon and the current month.
var ErrInvalidKey = errors.New("invalid partition key")

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Partition is one month of history.
type Partition struct {
	Key    string `json:"key"`
	Window Window `json:"window"`
}

// Month returns the YYYY-MM form the extraction tool expects.
func (p Partition) Month() string {
	return p.Window.Start.Format(KeyLayout)
}

// Calendar maps monthly partition keys to windows. All arithmetic is done on
// UTC wall-clock time; source timestamps are naive local times and are compared
// the same way.
type Calendar struct {
	horizon time.Time
	now     func() time.Time
}

// Option configures a Calendar
type Option func(*Calendar)

// WithClock overrides time.Now when deciding which month is current
func WithClock(now func() time.Time) Option {
	return func(c *Calendar) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMonthly creates a calendar whose first partition is the month containing
// horizon and whose last is the current month.
func NewMonthly(horizon time.Time, opts ...Option) (*Calendar, error) {
	if horizon.IsZero() {
		return nil, fmt.Errorf("partition horizon must be set")
	}
	c := &Calendar{horizon: monthStart(horizon), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Horizon returns the start of the first partition.
func (c *Calendar) Horizon() time.Time {
	return c.horizon
}

// Enumerate returns every partition from the horizon up to and including the
// month containing now. The last partition is usually still filling up.
func (c *Calendar) Enumerate(now time.Time) []Partition {
	last := monthStart(now)
	if last.Before(c.horizon) {
		return nil
	}

	var parts []Partition
	for start := c.horizon; !start.After(last); start = start.AddDate(0, 1, 0) {
		parts = append(parts, monthPartition(start))
	}
	return parts
}

// Range returns the partitions between from and to, both inclusive.
func (c *Calendar) Range(from, to string) ([]Partition, error) {
	first, err := c.WindowFor(from)
	if err != nil {
		return nil, err
	}
	last, err := c.WindowFor(to)
	if err != nil {
		return nil, err
	}
	if last.Key < first.Key {
		return nil, fmt.Errorf("%w: range end %s before start %s", ErrInvalidKey, to, from)
	}

	var parts []Partition
	for start := first.Window.Start; !start.After(last.Window.Start); start = start.AddDate(0, 1, 0) {
		parts = append(parts, monthPartition(start))
	}
	return parts, nil
}

// WindowFor parses a YYYY-MM key into its partition. Months after the
// current one have no data yet and are rejected.
func (c *Calendar) WindowFor(key string) (Partition, error) {
	start, err := time.ParseInLocation(KeyLayout, key, time.UTC)
	if err != nil {
		return Partition{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if start.Before(c.horizon) {
		return Partition{}, fmt.Errorf("%w: %s precedes horizon %s", ErrInvalidKey, key, c.horizon.Format(KeyLayout))
	}
	if current := monthStart(c.now()); start.After(current) {
		return Partition{}, fmt.Errorf("%w: %s is after the current month %s", ErrInvalidKey, key, current.Format(KeyLayout))
	}
	return monthPartition(start), nil
}

// Contains reports whether key names a partition of this calendar.
func (c *Calendar) Contains(key string) bool {
	_, err := c.WindowFor(key)
	return err == nil
}

// KeyFor returns the key of the partition containing t.
func KeyFor(t time.Time) string {
	return monthStart(t).Format(KeyLayout)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthPartition(start time.Time) Partition {
	return Partition{
		Key: start.Format(KeyLayout),
		Window: Window{
			Start: start,
			End:   start.AddDate(0, 1, 0),
		},
	}
}
