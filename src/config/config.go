package config

import (
	"fmt"
	"os"

	"coinstream/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// applyDefaults fills in values that are safe to leave out of the YAML file.
func (c *Config) applyDefaults() {
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Catalog.ListLimit <= 0 {
		c.Catalog.ListLimit = 250
	}
	if c.Catalog.ListTTLSeconds <= 0 {
		c.Catalog.ListTTLSeconds = 900
	}
	if c.Catalog.RankingSize <= 0 {
		c.Catalog.RankingSize = 10
	}
	if c.Catalog.RankingTTLSeconds <= 0 {
		c.Catalog.RankingTTLSeconds = 60
	}
	if c.Catalog.SecondarySize <= 0 {
		c.Catalog.SecondarySize = 10
	}
	if c.Catalog.SymbolSetTTLSeconds <= 0 {
		c.Catalog.SymbolSetTTLSeconds = 3600
	}
	if c.Catalog.RatePerMinute <= 0 {
		c.Catalog.RatePerMinute = 30
	}
	if c.Feed.ThrottleWindowMs <= 0 {
		c.Feed.ThrottleWindowMs = 200
	}
	if c.Feed.ReconnectMinMs <= 0 {
		c.Feed.ReconnectMinMs = 1000
	}
	if c.Feed.ReconnectMaxMs <= 0 {
		c.Feed.ReconnectMaxMs = 30000
	}
	if c.History.RaceTimeoutSeconds <= 0 {
		c.History.RaceTimeoutSeconds = 10
	}
	if c.History.BarsTTLSeconds <= 0 {
		c.History.BarsTTLSeconds = 300
	}
	if c.History.MaxLimit <= 0 {
		c.History.MaxLimit = 1000
	}
	if c.Storage.CandleRetentionHours <= 0 {
		c.Storage.CandleRetentionHours = 72
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	// Validate App configuration (Flattened)
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration (Flattened)
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Validate Cache configuration
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("invalid cache backend: %s (must be 'memory' or 'redis')", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty when the redis backend is selected")
	}

	// Validate Storage configuration
	if c.Storage.DBType == "" {
		return fmt.Errorf("database type cannot be empty")
	}
	if c.Storage.DBType == "sqlite" && c.Storage.DBPath == "" {
		return fmt.Errorf("database path cannot be empty for sqlite")
	}
	if c.Storage.DBType == "postgres" && c.Storage.DBConnectionString == "" {
		return fmt.Errorf("connection string cannot be empty for postgres")
	}

	// Validate Network configuration
	if c.Network.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Network.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent requests must be greater than 0")
	}

	// Validate Catalog configuration
	if len(c.Catalog.Sources) == 0 {
		return fmt.Errorf("at least one catalog source must be configured")
	}
	for i, src := range c.Catalog.Sources {
		if src.Name == "" {
			return fmt.Errorf("catalog source %d must have a name", i)
		}
		if src.BaseURL == "" {
			return fmt.Errorf("catalog source '%s' must have a base URL", src.Name)
		}
	}
	if c.Catalog.SymbolSetURL == "" {
		return fmt.Errorf("symbol set URL cannot be empty")
	}
	if c.Catalog.RankingSize > c.Catalog.ListLimit {
		return fmt.Errorf("ranking size %d cannot exceed list limit %d", c.Catalog.RankingSize, c.Catalog.ListLimit)
	}

	// Validate Feed configuration
	if c.Feed.WsURL == "" {
		return fmt.Errorf("feed websocket URL cannot be empty")
	}
	if c.Feed.ReconnectMinMs > c.Feed.ReconnectMaxMs {
		return fmt.Errorf("reconnect min delay %dms cannot exceed max delay %dms", c.Feed.ReconnectMinMs, c.Feed.ReconnectMaxMs)
	}

	// Validate History configuration
	if c.History.PrimaryURL == "" {
		return fmt.Errorf("history primary URL cannot be empty")
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration back to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file '%s': %w", configPath, err)
	}

	return nil
}
