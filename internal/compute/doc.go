// Package compute holds the stages that derive tables from the loaded trips:
// per-borough demand forecasts and the anomaly scan that feeds the
// compliance table. Model artifacts live in a gocloud.dev blob bucket.
package compute
