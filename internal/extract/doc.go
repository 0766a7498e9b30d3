// Package extract reads partitioned source data without touching the
// warehouse.
//
// TaxiExtractor shells out to the trip download tool through a Runner and
// decodes the parquet file it leaves behind. WeatherExtractor calls the
// Open-Meteo archive, paced by a rate limiter. HolidayExtractor generates
// the New York holiday calendar locally.
//
// Every extractor returns a warehouse.Batch whose rows lie inside the
// requested window; failures are operations.OperationError values of kind
// extraction_failed and carry process stderr or the HTTP body verbatim.
package extract
