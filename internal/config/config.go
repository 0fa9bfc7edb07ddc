// Package config loads the catalog's configuration from a JSON file with
// environment variable overrides, and validates it before any component
// is constructed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	// DataDir is the storage root for partition files.
	DataDir string `json:"data_dir" env:"CATALOG_DATA_DIR"`

	Provider ProviderConfig `json:"provider"`
	Logging  LoggingConfig  `json:"logging"`
}

// ProviderConfig configures the external data provider client.
type ProviderConfig struct {
	// Type selects the source implementation: "http" or "fake".
	Type    string `json:"type" env:"CATALOG_PROVIDER_TYPE"`
	BaseURL string `json:"base_url" env:"CATALOG_PROVIDER_URL"`
	APIKey  string `json:"api_key" env:"CATALOG_PROVIDER_API_KEY"`

	// RequestsPerSecond is the provider's aggregate quota shared across
	// all concurrent requests.
	RequestsPerSecond float64 `json:"requests_per_second" env:"CATALOG_PROVIDER_RPS"`
	Burst             int     `json:"burst" env:"CATALOG_PROVIDER_BURST"`
	// BlockOnLimit: wait for rate-limit capacity instead of failing with
	// a retry-after hint.
	BlockOnLimit bool `json:"block_on_limit" env:"CATALOG_PROVIDER_BLOCK"`

	// Retry settings for transient failures.
	MaxAttempts  int    `json:"max_attempts" env:"CATALOG_RETRY_ATTEMPTS"`
	InitialDelay string `json:"initial_delay" env:"CATALOG_RETRY_DELAY"`
	MaxDelay     string `json:"max_delay" env:"CATALOG_RETRY_MAX_DELAY"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `json:"level" env:"CATALOG_LOG_LEVEL"`   // debug, info, warn, error
	Format   string `json:"format" env:"CATALOG_LOG_FORMAT"` // json, text
	Output   string `json:"output" env:"CATALOG_LOG_OUTPUT"` // stdout, stderr, file
	FilePath string `json:"file_path" env:"CATALOG_LOG_FILE"`

	// Rotation settings, used when Output is "file".
	MaxSizeMB  int  `json:"max_size_mb" env:"CATALOG_LOG_MAX_SIZE"`
	MaxBackups int  `json:"max_backups" env:"CATALOG_LOG_MAX_BACKUPS"`
	MaxAgeDays int  `json:"max_age_days" env:"CATALOG_LOG_MAX_AGE"`
	Compress   bool `json:"compress" env:"CATALOG_LOG_COMPRESS"`
}

// Default returns a configuration with sensible defaults.
func Default() *AppConfig {
	return &AppConfig{
		DataDir: "catalog_data",
		Provider: ProviderConfig{
			Type:              "http",
			RequestsPerSecond: 5,
			Burst:             1,
			BlockOnLimit:      true,
			MaxAttempts:       3,
			InitialDelay:      "500ms",
			MaxDelay:          "30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration file (when path is non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CATALOG_* environment variables.
func (c *AppConfig) applyEnv() {
	setString(&c.DataDir, "CATALOG_DATA_DIR")

	setString(&c.Provider.Type, "CATALOG_PROVIDER_TYPE")
	setString(&c.Provider.BaseURL, "CATALOG_PROVIDER_URL")
	setString(&c.Provider.APIKey, "CATALOG_PROVIDER_API_KEY")
	setFloat(&c.Provider.RequestsPerSecond, "CATALOG_PROVIDER_RPS")
	setInt(&c.Provider.Burst, "CATALOG_PROVIDER_BURST")
	setBool(&c.Provider.BlockOnLimit, "CATALOG_PROVIDER_BLOCK")
	setInt(&c.Provider.MaxAttempts, "CATALOG_RETRY_ATTEMPTS")
	setString(&c.Provider.InitialDelay, "CATALOG_RETRY_DELAY")
	setString(&c.Provider.MaxDelay, "CATALOG_RETRY_MAX_DELAY")

	setString(&c.Logging.Level, "CATALOG_LOG_LEVEL")
	setString(&c.Logging.Format, "CATALOG_LOG_FORMAT")
	setString(&c.Logging.Output, "CATALOG_LOG_OUTPUT")
	setString(&c.Logging.FilePath, "CATALOG_LOG_FILE")
	setInt(&c.Logging.MaxSizeMB, "CATALOG_LOG_MAX_SIZE")
	setInt(&c.Logging.MaxBackups, "CATALOG_LOG_MAX_BACKUPS")
	setInt(&c.Logging.MaxAgeDays, "CATALOG_LOG_MAX_AGE")
	setBool(&c.Logging.Compress, "CATALOG_LOG_COMPRESS")
}

// Validate checks cross-field consistency.
func (c *AppConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}

	switch c.Provider.Type {
	case "http":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url is required for provider type %q", c.Provider.Type)
		}
	case "fake":
	default:
		return fmt.Errorf("unsupported provider type %q (want \"http\" or \"fake\")", c.Provider.Type)
	}

	if c.Provider.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider.requests_per_second must be positive")
	}
	if c.Provider.Burst <= 0 {
		return fmt.Errorf("provider.burst must be positive")
	}
	if c.Provider.MaxAttempts <= 0 {
		return fmt.Errorf("provider.max_attempts must be positive")
	}
	if _, err := c.RetryInitialDelay(); err != nil {
		return err
	}
	if _, err := c.RetryMaxDelay(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output is \"file\"")
	}

	return nil
}

// RetryInitialDelay parses the retry base delay.
func (c *AppConfig) RetryInitialDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Provider.InitialDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid provider.initial_delay %q: %w", c.Provider.InitialDelay, err)
	}
	return d, nil
}

// RetryMaxDelay parses the retry delay cap.
func (c *AppConfig) RetryMaxDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Provider.MaxDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid provider.max_delay %q: %w", c.Provider.MaxDelay, err)
	}
	return d, nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
