// Package config loads the execution fabric's configuration, using viper's
// standard file-plus-environment-override idiom (SetConfigFile/ReadInConfig,
// AutomaticEnv with a key replacer, per-key defaults via SetDefault).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration for every core component.
type Config struct {
	WorkerPoolSize    int
	QueueSize         int
	DefaultTimeoutMs  int64

	FailureThreshold  int
	BreakerTimeoutMs  int64
	BackoffBase       float64
	MaxBackoffMs      int64
	HalfOpenAttempts  int

	MaxHoldingTimeMinutes   float64
	WarningThresholdMinutes float64

	MaxRetries         int
	RetryDelayMs       int64
	BackoffMultiplier  float64
	OrderTimeoutSeconds int64
	MaxSlippagePercent float64

	CheckIntervalCandles int
	HealthScoreThreshold float64

	ShutdownTimeoutSeconds int64
	StateDir               string

	LogLevel string
}

// defaults holds the configuration defaults table.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"workerPoolSize":          4,
		"queueSize":               100,
		"defaultTimeoutMs":        5000,
		"failureThreshold":        5,
		"timeout":                 30000,
		"backoffBase":             2,
		"maxBackoff":              300000,
		"halfOpenAttempts":        3,
		"maxHoldingTimeMinutes":   240,
		"warningThresholdMinutes": 180,
		"maxRetries":              3,
		"retryDelayMs":            1000,
		"backoffMultiplier":       2,
		"orderTimeoutSeconds":     30,
		"maxSlippagePercent":      0.5,
		"checkIntervalCandles":    5,
		"healthScoreThreshold":    30,
		"shutdownTimeoutSeconds":  60,
		"stateDir":                "./data/state",
		"logLevel":                "info",
	}
}

// Load reads path (if non-empty; a named file that does not exist is an
// error) as YAML, then overlays
// TRADINGCORE_-prefixed environment variables (e.g. TRADINGCORE_LOGLEVEL),
// falling back to the built-in defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("TRADINGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	cfg := &Config{
		WorkerPoolSize:          v.GetInt("workerPoolSize"),
		QueueSize:               v.GetInt("queueSize"),
		DefaultTimeoutMs:        v.GetInt64("defaultTimeoutMs"),
		FailureThreshold:        v.GetInt("failureThreshold"),
		BreakerTimeoutMs:        v.GetInt64("timeout"),
		BackoffBase:             v.GetFloat64("backoffBase"),
		MaxBackoffMs:            v.GetInt64("maxBackoff"),
		HalfOpenAttempts:        v.GetInt("halfOpenAttempts"),
		MaxHoldingTimeMinutes:   v.GetFloat64("maxHoldingTimeMinutes"),
		WarningThresholdMinutes: v.GetFloat64("warningThresholdMinutes"),
		MaxRetries:              v.GetInt("maxRetries"),
		RetryDelayMs:            v.GetInt64("retryDelayMs"),
		BackoffMultiplier:       v.GetFloat64("backoffMultiplier"),
		OrderTimeoutSeconds:     v.GetInt64("orderTimeoutSeconds"),
		MaxSlippagePercent:      v.GetFloat64("maxSlippagePercent"),
		CheckIntervalCandles:    v.GetInt("checkIntervalCandles"),
		HealthScoreThreshold:    v.GetFloat64("healthScoreThreshold"),
		ShutdownTimeoutSeconds:  v.GetInt64("shutdownTimeoutSeconds"),
		StateDir:                v.GetString("stateDir"),
		LogLevel:                v.GetString("logLevel"),
	}
	return cfg, nil
}

// BreakerTimeout is cfg.BreakerTimeoutMs as a time.Duration.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutMs) * time.Millisecond
}

// MaxBackoff is cfg.MaxBackoffMs as a time.Duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// DefaultTimeout is cfg.DefaultTimeoutMs as a time.Duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// RetryDelay is cfg.RetryDelayMs as a time.Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// OrderTimeout is cfg.OrderTimeoutSeconds as a time.Duration.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSeconds) * time.Second
}

// ShutdownTimeout is cfg.ShutdownTimeoutSeconds as a time.Duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
