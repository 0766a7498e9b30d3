package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metrofleet/internal/partition"
)

func january() partition.Window {
	return partition.Window{
		Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFilterWindowDropsRowsOutsideHalfOpenInterval(t *testing.T) {
	w := january()
	b := NewBatch(Col("ts", TypeTimestamp), Col("fare", TypeFloat64))
	require.NoError(t, b.Append(w.Start.Add(-time.Second), 1.0))
	require.NoError(t, b.Append(w.Start, 2.0))
	require.NoError(t, b.Append(w.End.Add(-time.Microsecond), 3.0))
	require.NoError(t, b.Append(w.End, 4.0))
	require.NoError(t, b.Append(nil, 5.0))

	out, dropped, err := b.FilterWindow("ts", w)
	require.NoError(t, err)

	assert.Equal(t, 3, dropped)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, w, out.Window)
	fare, ok := out.Column("fare")
	require.True(t, ok)
	assert.Equal(t, []any{2.0, 3.0}, fare.Values)

	for _, v := range out.Columns[0].Values {
		assert.True(t, w.Contains(v.(time.Time)))
	}
}

func TestFilterWindowRejectsBadColumn(t *testing.T) {
	b := NewBatch(Col("ts", TypeString))

	_, _, err := b.FilterWindow("missing", january())
	assert.Error(t, err)

	_, _, err = b.FilterWindow("ts", january())
	assert.Error(t, err)
}

func TestAppendChecksArity(t *testing.T) {
	b := NewBatch(Col("a", TypeInt64), Col("b", TypeString))
	assert.Error(t, b.Append(int64(1)))
	assert.NoError(t, b.Append(int64(1), "x"))
	assert.Equal(t, []any{int64(1), "x"}, b.Row(0))
	assert.Equal(t, []string{"a", "b"}, b.Names())
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"raw_weather"`, QuoteIdent("raw_weather"))
	assert.Equal(t, `"dbt_dev"."fct_trips"`, QuoteIdent("dbt_dev.fct_trips"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestCreateTableSQL(t *testing.T) {
	q, err := createTableSQL("raw_weather", []Column{
		Col("timestamp", TypeTimestamp),
		Col("temp_c", TypeFloat64),
		Col("station", TypeString),
	})
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "raw_weather" ("timestamp" TIMESTAMP, "temp_c" DOUBLE PRECISION, "station" TEXT)`, q)

	_, err = createTableSQL("empty", nil)
	assert.Error(t, err)
}

func TestTableExistsSQLUsesSchemaWhenQualified(t *testing.T) {
	_, args := tableExistsSQL("raw_weather")
	assert.Equal(t, []any{"raw_weather"}, args)

	_, args = tableExistsSQL("dbt_dev.fct_trips")
	assert.Equal(t, []any{"dbt_dev", "fct_trips"}, args)
}

func TestResultBuilderInfersTypes(t *testing.T) {
	rb := newResultBuilder([]string{"n", "x", "ts", "s"})
	now := time.Now().UTC()
	rb.add([]any{nil, float32(1.5), now, []byte("abc")})
	rb.add([]any{int32(4), 2.5, nil, "def"})

	b := rb.batch
	assert.Equal(t, TypeInt64, b.Columns[0].Type)
	assert.Equal(t, TypeFloat64, b.Columns[1].Type)
	assert.Equal(t, TypeTimestamp, b.Columns[2].Type)
	assert.Equal(t, TypeString, b.Columns[3].Type)
	assert.Equal(t, []any{nil, int64(4)}, b.Columns[0].Values)
	assert.Equal(t, []any{"abc", "def"}, b.Columns[3].Values)
}

func TestMemoryTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateTable(ctx, "t", []Column{Col("ts", TypeTimestamp)}))

	seed := NewBatch(Col("ts", TypeTimestamp))
	require.NoError(t, seed.Append(january().Start))
	require.NoError(t, m.InTx(ctx, func(tx Tx) error {
		_, err := tx.BulkInsert(ctx, "t", seed)
		return err
	}))

	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Tx) error {
		n, err := tx.DeleteRange(ctx, "t", "ts", january().Start, january().End)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.RowCount("t"))
}

func TestMemoryBulkInsertMapsColumnsByName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateTable(ctx, "t", []Column{Col("a", TypeInt64), Col("b", TypeString)}))

	b := NewBatch(Col("b", TypeString), Col("a", TypeInt64))
	require.NoError(t, b.Append("x", int64(7)))
	require.NoError(t, m.InTx(ctx, func(tx Tx) error {
		_, err := tx.BulkInsert(ctx, "t", b)
		return err
	}))

	snap, ok := m.Snapshot("t")
	require.True(t, ok)
	assert.Equal(t, []any{int64(7), "x"}, snap.Row(0))

	bad := NewBatch(Col("c", TypeString))
	require.NoError(t, bad.Append("y"))
	err := m.InTx(ctx, func(tx Tx) error {
		_, err := tx.BulkInsert(ctx, "t", bad)
		return err
	})
	assert.Error(t, err)
}

func TestDeleteNotInSQL(t *testing.T) {
	assert.Equal(t, `DELETE FROM "demand_forecasts"`, deleteNotInSQL("demand_forecasts", "group_dimension", 0))
	assert.Equal(t,
		`DELETE FROM "demand_forecasts" WHERE "group_dimension" IS NULL OR "group_dimension" NOT IN ($1, $2)`,
		deleteNotInSQL("demand_forecasts", "group_dimension", 2))
}

func TestMemoryRejectsAdHocSQL(t *testing.T) {
	m := NewMemory()
	_, err := m.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

func TestCopySourceIteratesRows(t *testing.T) {
	b := NewBatch(Col("a", TypeInt64))
	require.NoError(t, b.Append(int64(1)))
	require.NoError(t, b.Append(int64(2)))

	src := &copySource{batch: b}
	var got []any
	for src.Next() {
		vals, err := src.Values()
		require.NoError(t, err)
		got = append(got, vals[0])
	}
	assert.Equal(t, []any{int64(1), int64(2)}, got)
	assert.NoError(t, src.Err())
}
