package compute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecastBatchMatchesSchema(t *testing.T) {
	ts := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)
	b, err := forecastBatch("Queens", []ForecastPoint{
		{Time: ts, Value: 12, Lower: 9, Upper: 15},
		{Time: ts.Add(time.Hour), Value: 14, Lower: 10, Upper: 18},
	})
	require.NoError(t, err)
	require.Len(t, b.Columns, len(forecastSchema))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []any{ts, 12.0, 9.0, 15.0, "Queens"}, b.Row(0))
}

func TestForecastBatchEmpty(t *testing.T) {
	b, err := forecastBatch("Bronx", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}
