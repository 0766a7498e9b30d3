// Package config provides centralized configuration management for metrofleet.
//
// # Configuration Sources
//
// Configuration is assembled in the following order, later sources winning:
//
//	1. Default values (Default)
//	2. A YAML file: $METROFLEET_CONFIG, ./config.yaml or ./configs/config.yaml
//	3. Environment variables
//
// # Environment Variables
//
// Variables follow the METROFLEET_<SECTION>_<FIELD> pattern:
//
//	METROFLEET_SERVER_PORT=8080
//	METROFLEET_WAREHOUSE_DRIVER=postgres
//	METROFLEET_SCHEDULER_WORKERS=4
//	METROFLEET_LOAD_EMPTY_BATCH_POLICY=skip
//
// The warehouse connection itself is read from the conventional POSTGRES_*
// variables (POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
// POSTGRES_DB) unless METROFLEET_WAREHOUSE_DSN is set.
//
// Cron schedules can only be configured in the YAML file.
//
// # Validation
//
// Load validates the result with struct tags (go-playground/validator) and a
// few cross-field rules, and fails fast on the first problem.
package config
