// Package exporter writes warehouse tables to files for analysts.
//
// Two formats are supported:
//
// CSV: UTF-8 with a BOM so Excel detects the encoding, one header row, then
// one line per row.
//
// XLSX: a single sheet named after the table, written with the excelize
// stream writer so large tables do not build a full workbook in memory.
//
// Example usage:
//
//	exp := exporter.NewExporter(connector, paths.ExportsDir, logger)
//	res, err := exp.Export(ctx, "dm_daily_revenue", exporter.FormatXLSX, "")
package exporter
