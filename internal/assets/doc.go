// Package assets defines the concrete pipeline: the raw trip, weather and
// holiday loads, the dbt models built on them, price model training, and the
// forecast and anomaly stages. Every table a source writes is resolved
// through TargetFor.
package assets
