// Package config loads and validates prospector configuration from a YAML
// file with environment overrides. Missing file means defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all prospector configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the root for logs, the backup tree, and the default DB path.
	DataDir string `yaml:"data_dir"`

	// External providers
	Providers ProvidersConfig `yaml:"providers"`

	// Per-provider admission control
	RateLimits RateLimitsConfig `yaml:"rate_limits"`

	// Headless browser
	Browser BrowserConfig `yaml:"browser"`

	// Local-first durability
	Backup BackupConfig `yaml:"backup"`

	// SQLite repository
	Store StoreConfig `yaml:"store"`

	// Pipeline behavior
	Pipeline PipelineConfig `yaml:"pipeline"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Debug switches
	Debug DebugConfig `yaml:"debug"`
}

// BrowserConfig configures the rod-driven headless browser.
type BrowserConfig struct {
	Bin               string `yaml:"bin"`      // empty = rod's managed download
	Headless          bool   `yaml:"headless"`
	PoolSize          int    `yaml:"pool_size"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	IdleTimeout       string `yaml:"idle_timeout"`
}

// BackupConfig configures the local backup store.
type BackupConfig struct {
	Root          string `yaml:"root"` // empty = <data_dir>
	RetentionDays int    `yaml:"retention_days"`
}

// StoreConfig configures the SQLite repository.
type StoreConfig struct {
	Path          string `yaml:"path"` // empty = <data_dir>/prospector.db
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DebugConfig holds development-only switches.
type DebugConfig struct {
	// AuditCalls records the acquire/call/record triple for every provider
	// call to the audit trail.
	AuditCalls bool `yaml:"audit_calls"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "prospector",
		Version: "1.0.0",
		DataDir: "data",

		Providers:  DefaultProvidersConfig(),
		RateLimits: DefaultRateLimitsConfig(),

		Browser: BrowserConfig{
			Headless:          true,
			PoolSize:          1,
			NavigationTimeout: "30s",
			IdleTimeout:       "2s",
		},

		Backup: BackupConfig{
			RetentionDays: 30,
		},

		Store: StoreConfig{
			BusyTimeoutMs: 5000,
		},

		Pipeline: DefaultPipelineConfig(),

		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "15s",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: "10s",
		},

		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("PROSPECTOR_MAPS_API_KEY"); key != "" {
		c.Providers.Maps.APIKey = key
	} else if key := os.Getenv("GOOGLE_MAPS_API_KEY"); key != "" {
		c.Providers.Maps.APIKey = key
	}

	if key := os.Getenv("PROSPECTOR_TEXT_LLM_API_KEY"); key != "" {
		c.Providers.TextLLM.APIKey = key
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers.TextLLM.APIKey = key
	}

	if key := os.Getenv("PROSPECTOR_VISION_LLM_API_KEY"); key != "" {
		c.Providers.VisionLLM.APIKey = key
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers.VisionLLM.APIKey = key
	}

	if key := os.Getenv("PROSPECTOR_FALLBACK_LLM_API_KEY"); key != "" {
		c.Providers.TextLLM.FallbackAPIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.TextLLM.FallbackAPIKey = key
	}

	if path := os.Getenv("PROSPECTOR_DB_PATH"); path != "" {
		c.Store.Path = path
	}
	if root := os.Getenv("PROSPECTOR_BACKUP_ROOT"); root != "" {
		c.Backup.Root = root
	}
	if dir := os.Getenv("PROSPECTOR_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if addr := os.Getenv("PROSPECTOR_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if table := os.Getenv("PROSPECTOR_COST_TABLE"); table != "" {
		c.Providers.CostTablePath = table
	}
	if size := os.Getenv("PROSPECTOR_BROWSER_POOL_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			c.Browser.PoolSize = n
		}
	}
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.pool_size must be >= 1, got %d", c.Browser.PoolSize)
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup.retention_days must be >= 0, got %d", c.Backup.RetentionDays)
	}
	if t := c.Pipeline.ExtractionConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("pipeline.extraction_confidence_threshold must be in [0,1], got %v", t)
	}
	if len(c.Pipeline.ParkingHosts) == 0 {
		return fmt.Errorf("pipeline.parking_hosts must not be empty")
	}
	if len(c.Pipeline.ParkingIndicators) == 0 {
		return fmt.Errorf("pipeline.parking_indicators must not be empty")
	}
	return nil
}

// DBPath resolves the SQLite file location.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "prospector.db")
}

// BackupRoot resolves the backup tree root.
func (c *Config) BackupRoot() string {
	if c.Backup.Root != "" {
		return c.Backup.Root
	}
	return c.DataDir
}

// LoggingOptions derives the logger options from config.
func (c *Config) LoggingOptions() map[string]bool {
	return c.Logging.Categories
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// NavigationTimeout returns the browser navigation budget.
func (c *Config) NavigationTimeout() time.Duration {
	return parseDurationOr(c.Browser.NavigationTimeout, 30*time.Second)
}

// BrowserIdleTimeout returns the post-navigation settle budget.
func (c *Config) BrowserIdleTimeout() time.Duration {
	return parseDurationOr(c.Browser.IdleTimeout, 2*time.Second)
}

// ServerReadTimeout returns the HTTP read timeout.
func (c *Config) ServerReadTimeout() time.Duration {
	return parseDurationOr(c.Server.ReadTimeout, 15*time.Second)
}

// ServerShutdownTimeout returns the graceful drain budget.
func (c *Config) ServerShutdownTimeout() time.Duration {
	return parseDurationOr(c.Server.ShutdownTimeout, 10*time.Second)
}
