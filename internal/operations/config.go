package operations

import (
	"math"
	"time"

	"metrofleet/internal/config"
)

const (
	DefaultWorkers      = 4
	DefaultAssetTimeout = 2 * time.Hour
)

// Config holds the scheduler settings
type Config struct {
	// Number of goroutines running asset bodies
	Workers int `json:"workers"`

	// Upper bound for a single asset body
	AssetTimeout time.Duration `json:"asset_timeout"`

	// Automatic retry of retryable failures
	RetryConfig RetryConfig `json:"retry_config"`
}

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// NewConfig returns the default scheduler configuration
func NewConfig() Config {
	return Config{
		Workers:      DefaultWorkers,
		AssetTimeout: DefaultAssetTimeout,
		RetryConfig:  NewRetryConfig(),
	}
}

// NewRetryConfig returns the default retry configuration
func NewRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ConfigFromSettings maps the application scheduler section onto Config
func ConfigFromSettings(s config.SchedulerConfig) Config {
	cfg := Config{
		Workers:      s.Workers,
		AssetTimeout: s.AssetTimeout,
		RetryConfig: RetryConfig{
			MaxAttempts:  s.MaxAttempts,
			InitialDelay: s.InitialDelay,
			MaxDelay:     s.MaxDelay,
			Multiplier:   s.Multiplier,
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.AssetTimeout <= 0 {
		c.AssetTimeout = DefaultAssetTimeout
	}
	if c.RetryConfig.MaxAttempts <= 0 {
		c.RetryConfig.MaxAttempts = 1
	}
	if c.RetryConfig.Multiplier < 1 {
		c.RetryConfig.Multiplier = 1
	}
	return c
}

// calculateRetryDelay returns the wait before attempt+1 after attempt
// failed: InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func calculateRetryDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
