package extract_test

import (
	"context"
	"testing"
	"time"

	"github.com/rickar/cal/v2/us"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metrofleet/internal/extract"
)

func holidayIndex(t *testing.T, fromYear, toYear int) map[string][]string {
	t.Helper()
	ex := extract.NewHolidayExtractor(fromYear, toYear, nil)
	b, err := ex.Extract(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"date", "holiday_name", "is_workday"}, b.Names())

	out := make(map[string][]string)
	for _, row := range b.Rows() {
		assert.Equal(t, false, row[2])
		day := row[0].(time.Time)
		out[day.Format(time.DateOnly)] = append(out[day.Format(time.DateOnly)], row[1].(string))
	}
	return out
}

func TestHolidayCalendarIncludesNewYorkDays(t *testing.T) {
	days := holidayIndex(t, 2024, 2024)

	assert.Contains(t, days["2024-02-12"], "Lincoln's Birthday")
	assert.Contains(t, days["2024-11-05"], "Election Day")
	assert.Contains(t, days["2024-07-04"], us.IndependenceDay.Name)
	assert.Contains(t, days["2024-11-28"], us.ThanksgivingDay.Name)
	assert.Contains(t, days["2024-12-25"], us.ChristmasDay.Name)
}

func TestHolidayCalendarAddsObservedDays(t *testing.T) {
	// Christmas 2022 fell on a Sunday
	days := holidayIndex(t, 2022, 2022)
	assert.Contains(t, days["2022-12-25"], us.ChristmasDay.Name)
	assert.Contains(t, days["2022-12-26"], us.ChristmasDay.Name+" (observed)")
	assert.Contains(t, days["2022-11-08"], "Election Day")
}

func TestHolidayCalendarIsSortedAndCoversRange(t *testing.T) {
	ex := extract.NewHolidayExtractor(2020, 2027, nil)
	b, err := ex.Extract(context.Background())
	require.NoError(t, err)

	col, ok := b.Column(extract.HolidayKeyColumn)
	require.True(t, ok)
	var prev time.Time
	years := map[int]bool{}
	for _, v := range col.Values {
		day := v.(time.Time)
		assert.False(t, day.Before(prev))
		assert.Equal(t, time.UTC, day.Location())
		prev = day
		years[day.Year()] = true
	}
	for y := 2020; y <= 2027; y++ {
		assert.True(t, years[y], "year %d", y)
	}
}

func TestHolidayCalendarRejectsEmptyRange(t *testing.T) {
	ex := extract.NewHolidayExtractor(2020, 2027, nil)
	_, err := ex.ExtractYears(context.Background(), 2025, 2024)
	assert.Error(t, err)
}
