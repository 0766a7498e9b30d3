package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"metrofleet/internal/warehouse"
)

// maxSheetName is the sheet name limit imposed by Excel
const maxSheetName = 31

// writeXLSX writes b to a single-sheet workbook at path. Numbers and booleans
// keep their cell types; timestamps are written as RFC 3339 text.
func writeXLSX(path, sheet string, b *warehouse.Batch) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	sheet = sheetName(sheet)
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("failed to name sheet: %w", err)
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to open stream writer: %w", err)
	}

	header := make([]interface{}, len(b.Columns))
	for i, name := range b.Names() {
		header[i] = name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]interface{}, len(b.Columns))
	for i := 0; i < b.Len(); i++ {
		for c := range b.Columns {
			row[c] = cellValue(b.Columns[c].Values[i])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func cellValue(v any) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case int64, int, int32, float64, float32, bool, string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return formatValue(x)
	}
}

func sheetName(table string) string {
	if table == "" {
		return "Sheet1"
	}
	name := []rune(table)
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return string(name)
}
