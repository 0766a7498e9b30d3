package extract

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"metrofleet/internal/warehouse"
)

// rowBufferSize is how many rows are decoded per ReadRows call
const rowBufferSize = 1024

// ReadParquet decodes a flat parquet file into a columnar batch, one row
// group at a time. INT64 columns annotated as timestamps become Timestamp
// columns holding naive UTC wall-clock times.
func ReadParquet(path string) (*warehouse.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	fields := pf.Schema().Fields()
	if len(pf.Schema().Columns()) != len(fields) {
		return nil, fmt.Errorf("parquet %s: nested schemas are not supported", path)
	}

	schema := make([]warehouse.Column, len(fields))
	decoders := make([]valueDecoder, len(fields))
	for i, field := range fields {
		typ, dec := columnDecoder(field)
		schema[i] = warehouse.Col(field.Name(), typ)
		decoders[i] = dec
	}
	batch := warehouse.NewBatch(schema...)
	if n := pf.NumRows(); n > 0 {
		for i := range batch.Columns {
			batch.Columns[i].Values = make([]any, 0, n)
		}
	}

	buf := make([]parquet.Row, rowBufferSize)
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, buf, batch, decoders); err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
	}
	return batch, nil
}

func readRowGroup(rg parquet.RowGroup, buf []parquet.Row, batch *warehouse.Batch, decoders []valueDecoder) error {
	rows := rg.Rows()
	defer rows.Close()

	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(decoders) {
					continue
				}
				var val any
				if !v.IsNull() {
					val = decoders[col](v)
				}
				batch.Columns[col].Values = append(batch.Columns[col].Values, val)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type valueDecoder func(parquet.Value) any

// columnDecoder maps a parquet leaf onto a batch column type
func columnDecoder(field parquet.Field) (warehouse.ColumnType, valueDecoder) {
	typ := field.Type()

	if lt := typ.LogicalType(); lt != nil && lt.Timestamp != nil {
		unit := time.Nanosecond
		switch {
		case lt.Timestamp.Unit.Millis != nil:
			unit = time.Millisecond
		case lt.Timestamp.Unit.Micros != nil:
			unit = time.Microsecond
		}
		return warehouse.TypeTimestamp, func(v parquet.Value) any {
			return time.Unix(0, v.Int64()*int64(unit)).UTC()
		}
	}

	switch typ.Kind() {
	case parquet.Boolean:
		return warehouse.TypeBool, func(v parquet.Value) any { return v.Boolean() }
	case parquet.Int32:
		return warehouse.TypeInt64, func(v parquet.Value) any { return int64(v.Int32()) }
	case parquet.Int64:
		return warehouse.TypeInt64, func(v parquet.Value) any { return v.Int64() }
	case parquet.Float:
		return warehouse.TypeFloat64, func(v parquet.Value) any { return float64(v.Float()) }
	case parquet.Double:
		return warehouse.TypeFloat64, func(v parquet.Value) any { return v.Double() }
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return warehouse.TypeString, func(v parquet.Value) any { return string(v.ByteArray()) }
	default:
		return warehouse.TypeString, func(v parquet.Value) any { return v.String() }
	}
}
