package shared

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		if config.Catalog.Driver != DriverSQLite {
			t.Errorf("expected sqlite driver, got %s", config.Catalog.Driver)
		}

		if config.Database.Path != "./tracksync.db" {
			t.Errorf("expected database path ./tracksync.db, got %s", config.Database.Path)
		}

		if config.Sync.LockTTL.Duration != 30*time.Minute {
			t.Errorf("expected lock ttl 30m, got %s", config.Sync.LockTTL)
		}

		if config.Dedupe.FingerprintThreshold != 0.95 || config.Dedupe.FuzzyThreshold != 0.85 {
			t.Errorf("unexpected thresholds: %v %v", config.Dedupe.FingerprintThreshold, config.Dedupe.FuzzyThreshold)
		}

		if got := config.Notion.Properties["completed"]; len(got) == 0 || got[0] != "Completed" {
			t.Errorf("expected completed aliases, got %v", got)
		}

		if err := config.Validate(); err != nil {
			t.Errorf("default config should validate: %v", err)
		}
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		if err := CreateConfigFile(configPath); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		if _, err := os.Stat(configPath); err != nil {
			t.Fatalf("config file should exist: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}

		defaultConfig := DefaultConfig()
		if config.Database.Path != defaultConfig.Database.Path {
			t.Errorf("created config database path doesn't match default")
		}

		if err := CreateConfigFile(configPath); err == nil {
			t.Error("creating config file again should fail")
		}
	})

	t.Run("LoadConfig", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		testConfig := `[catalog]
driver = "postgres"

[postgres]
dsn = "postgres://sync@db.internal/catalog?sslmode=disable"

[sync]
workers = 8
lock_ttl = "10m"
pipeline_timeout = "5m"

[dedupe]
fuzzy_threshold = 0.9
`
		if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if config.Catalog.Driver != DriverPostgres {
			t.Errorf("expected postgres driver, got %s", config.Catalog.Driver)
		}

		if config.Sync.Workers != 8 {
			t.Errorf("expected 8 workers, got %d", config.Sync.Workers)
		}

		if config.Sync.LockTTL.Duration != 10*time.Minute {
			t.Errorf("expected lock ttl 10m, got %s", config.Sync.LockTTL)
		}

		if config.Sync.PageSize != 50 {
			t.Errorf("expected default page size to survive, got %d", config.Sync.PageSize)
		}

		if config.Dedupe.FuzzyThreshold != 0.9 {
			t.Errorf("expected fuzzy threshold 0.9, got %v", config.Dedupe.FuzzyThreshold)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		tc := []struct {
			name   string
			mutate func(*Config)
			want   error
		}{
			{name: "unknown driver", mutate: func(c *Config) { c.Catalog.Driver = "mongo" }, want: ErrInvalidConfig},
			{name: "zero workers", mutate: func(c *Config) { c.Sync.Workers = 0 }, want: ErrInvalidConfig},
			{
				name:   "pipeline timeout not below ttl",
				mutate: func(c *Config) { c.Sync.PipelineTimeout.Duration = c.Sync.LockTTL.Duration },
				want:   ErrInvalidConfig,
			},
			{name: "threshold above one", mutate: func(c *Config) { c.Dedupe.FuzzyThreshold = 1.2 }, want: ErrInvalidConfig},
			{name: "postgres without dsn", mutate: func(c *Config) { c.Catalog.Driver = DriverPostgres }, want: ErrMissingConfig},
			{name: "notion without token", mutate: func(c *Config) { c.Catalog.Driver = DriverNotion }, want: ErrMissingCredentials},
		}

		for _, tt := range tc {
			t.Run(tt.name, func(t *testing.T) {
				config := DefaultConfig()
				tt.mutate(config)
				if err := config.Validate(); !errors.Is(err, tt.want) {
					t.Errorf("Validate() = %v, want %v", err, tt.want)
				}
			})
		}
	})

	t.Run("Duration", func(t *testing.T) {
		var d Duration
		if err := d.UnmarshalText([]byte("1h30m")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Duration != 90*time.Minute {
			t.Errorf("expected 90m, got %s", d)
		}
		if err := d.UnmarshalText([]byte("soon")); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
