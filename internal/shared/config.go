package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Catalog store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNotion   = "notion"
)

// Config represents the application configuration loaded from a TOML file.
//
// It is constructed once at startup and handed to the sync engine; nothing reads the process environment after that.
type Config struct {
	Catalog  CatalogConfig  `toml:"catalog"`
	Database DatabaseConfig `toml:"database"`
	Postgres PostgresConfig `toml:"postgres"`
	Notion   NotionConfig   `toml:"notion"`
	Sync     SyncConfig     `toml:"sync"`
	Dedupe   DedupeConfig   `toml:"dedupe"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Log      LogConfig      `toml:"log"`
}

// CatalogConfig selects the catalog store implementation.
type CatalogConfig struct {
	Driver  string `toml:"driver"`
	DataDir string `toml:"data_dir"`
}

// DatabaseConfig contains SQLite connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// PostgresConfig contains the shared Postgres catalog connection string.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// NotionConfig contains Notion catalog credentials and property aliases.
type NotionConfig struct {
	Token             string              `toml:"token"`
	DatabaseID        string              `toml:"database_id"`
	LibraryDatabaseID string              `toml:"library_database_id"`
	BaseURL           string              `toml:"base_url"`
	APIVersion        string              `toml:"api_version"`
	RequestsPerSecond float64             `toml:"requests_per_second"`
	MaxRetries        int                 `toml:"max_retries"`
	Properties        map[string][]string `toml:"properties"`
	Sources           map[string][]string `toml:"sources"`
}

// SyncConfig contains worker pool, lock and retry settings.
type SyncConfig struct {
	Workers                 int      `toml:"workers"`
	PageSize                int      `toml:"page_size"`
	LockTTL                 Duration `toml:"lock_ttl"`
	SettleDelay             Duration `toml:"settle_delay"`
	MaxAttempts             int      `toml:"max_attempts"`
	BackoffBase             Duration `toml:"backoff_base"`
	BackoffMax              Duration `toml:"backoff_max"`
	PipelineTimeout         Duration `toml:"pipeline_timeout"`
	StoreTimeout            Duration `toml:"store_timeout"`
	MaxCoordinationFailures int      `toml:"max_coordination_failures"`
	HolderPrefix            string   `toml:"holder_prefix"`
}

// DedupeConfig contains the duplicate detection thresholds.
type DedupeConfig struct {
	FingerprintThreshold float64  `toml:"fingerprint_threshold"`
	FuzzyThreshold       float64  `toml:"fuzzy_threshold"`
	DurationWindow       Duration `toml:"duration_window"`
}

// PipelineConfig describes the external processing command.
type PipelineConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	WorkDir string   `toml:"workdir"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Duration is a [time.Duration] that decodes from TOML strings such as "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrInvalidConfig, string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values the engine cannot run without.
func (c *Config) Validate() error {
	switch c.Catalog.Driver {
	case DriverSQLite, DriverPostgres, DriverNotion:
	default:
		return fmt.Errorf("%w: unknown catalog driver %q", ErrInvalidConfig, c.Catalog.Driver)
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("%w: sync.workers must be positive", ErrInvalidConfig)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("%w: sync.page_size must be positive", ErrInvalidConfig)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("%w: sync.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Sync.LockTTL.Duration <= 0 {
		return fmt.Errorf("%w: sync.lock_ttl must be positive", ErrInvalidConfig)
	}
	if c.Sync.PipelineTimeout.Duration >= c.Sync.LockTTL.Duration {
		return fmt.Errorf("%w: sync.pipeline_timeout (%s) must be shorter than sync.lock_ttl (%s)",
			ErrInvalidConfig, c.Sync.PipelineTimeout, c.Sync.LockTTL)
	}

	for name, v := range map[string]float64{
		"dedupe.fingerprint_threshold": c.Dedupe.FingerprintThreshold,
		"dedupe.fuzzy_threshold":       c.Dedupe.FuzzyThreshold,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in (0, 1], got %v", ErrInvalidConfig, name, v)
		}
	}

	if c.Catalog.Driver == DriverPostgres && c.Postgres.DSN == "" {
		return fmt.Errorf("%w: postgres.dsn is required for the postgres driver", ErrMissingConfig)
	}
	if c.Catalog.Driver == DriverNotion && (c.Notion.Token == "" || c.Notion.DatabaseID == "") {
		return fmt.Errorf("%w: notion.token and notion.database_id are required for the notion driver", ErrMissingCredentials)
	}

	return nil
}
