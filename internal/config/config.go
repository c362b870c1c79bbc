// Package config loads timestack settings from YAML with TIMESTACK_*
// environment overrides and builds the process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
)

// Archive drivers.
const (
	ArchiveMemory = "memory"
	ArchiveFS     = "fs"
	ArchiveS3     = "s3"
)

// Metrics exporters.
const (
	MetricsNone       = "none"
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

// Defaults.
const (
	DefaultRegistryPath = "timestack.db"
	DefaultStorePath    = "default"
	DefaultArchiveRoot  = "timestack-archive"
)

// Config is the full process configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Location LocationConfig `yaml:"location"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig selects and tunes the store engine.
type StorageConfig struct {
	// Driver is one of: memory | sqlite | badger | postgres (default sqlite).
	Driver string `yaml:"driver"`

	// PostgresDSN is used when Driver == "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`

	Badger BadgerConfig `yaml:"badger"`
}

// BadgerConfig tunes the badger driver.
type BadgerConfig struct {
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// LocationConfig is the default location used by the CLI when none is given.
type LocationConfig struct {
	// RegistryPath names the registry: a file for sqlite, a directory for
	// badger, a namespace for postgres.
	RegistryPath string `yaml:"registry_path"`
	StorePath    string `yaml:"store_path"`
}

// ArchiveConfig selects the blob store used for exports.
type ArchiveConfig struct {
	// Driver is one of: memory | fs | s3 (default fs).
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures the S3 archive driver.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// MetricsConfig selects the metrics exporter.
type MetricsConfig struct {
	// Exporter is one of: none | expvar | prometheus (default none).
	Exporter string `yaml:"exporter"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is one of: debug | info | warn | error (default info).
	Level string `yaml:"level"`
	// Format is one of: text | json (default text).
	Format string `yaml:"format"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Storage:  StorageConfig{Driver: StorageSQLite, Badger: BadgerConfig{SyncWrites: true, GCInterval: 5 * time.Minute}},
		Location: LocationConfig{RegistryPath: DefaultRegistryPath, StorePath: DefaultStorePath},
		Archive:  ArchiveConfig{Driver: ArchiveFS, FSRoot: DefaultArchiveRoot},
		Metrics:  MetricsConfig{Exporter: MetricsNone},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any TIMESTACK_* variables that getenv returns
// non-empty.
//
//	TIMESTACK_STORAGE_DRIVER: memory|sqlite|badger|postgres
//	TIMESTACK_POSTGRES_DSN: postgres DSN when driver=postgres
//	TIMESTACK_BADGER_IN_MEMORY: true|false
//	TIMESTACK_REGISTRY_PATH, TIMESTACK_STORE_PATH: default location
//	TIMESTACK_ARCHIVE_DRIVER: memory|fs|s3
//	TIMESTACK_ARCHIVE_FS_ROOT
//	TIMESTACK_ARCHIVE_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE
//	TIMESTACK_METRICS: none|expvar|prometheus
//	TIMESTACK_LOG_LEVEL, TIMESTACK_LOG_FORMAT
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	str("TIMESTACK_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("TIMESTACK_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	if err := boolean("TIMESTACK_BADGER_IN_MEMORY", &cfg.Storage.Badger.InMemory); err != nil {
		return err
	}
	str("TIMESTACK_REGISTRY_PATH", &cfg.Location.RegistryPath)
	str("TIMESTACK_STORE_PATH", &cfg.Location.StorePath)
	str("TIMESTACK_ARCHIVE_DRIVER", &cfg.Archive.Driver)
	str("TIMESTACK_ARCHIVE_FS_ROOT", &cfg.Archive.FSRoot)
	str("TIMESTACK_ARCHIVE_S3_BUCKET", &cfg.Archive.S3.Bucket)
	str("TIMESTACK_ARCHIVE_S3_REGION", &cfg.Archive.S3.Region)
	str("TIMESTACK_ARCHIVE_S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
	if err := boolean("TIMESTACK_ARCHIVE_S3_PATH_STYLE", &cfg.Archive.S3.PathStyle); err != nil {
		return err
	}
	str("TIMESTACK_METRICS", &cfg.Metrics.Exporter)
	str("TIMESTACK_LOG_LEVEL", &cfg.Logging.Level)
	str("TIMESTACK_LOG_FORMAT", &cfg.Logging.Format)
	return nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite, StorageBadger, StoragePostgres:
	default:
		return fmt.Errorf("storage.driver %q unknown: want memory|sqlite|badger|postgres", c.Storage.Driver)
	}
	if c.Storage.Badger.GCInterval < 0 {
		return fmt.Errorf("storage.badger.gc_interval must not be negative")
	}
	if strings.TrimSpace(c.Location.StorePath) == "" {
		return fmt.Errorf("location.store_path is required")
	}
	switch c.Archive.Driver {
	case ArchiveMemory:
	case ArchiveFS:
		if c.Archive.FSRoot == "" {
			return fmt.Errorf("archive.fs_root is required for the fs driver")
		}
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("archive.driver %q unknown: want memory|fs|s3", c.Archive.Driver)
	}
	switch c.Metrics.Exporter {
	case MetricsNone, MetricsExpvar, MetricsPrometheus, "":
	default:
		return fmt.Errorf("metrics.exporter %q unknown: want none|expvar|prometheus", c.Metrics.Exporter)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("logging.format %q unknown: want text|json", c.Logging.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level %q unknown: want debug|info|warn|error", s)
	}
	return level, nil
}

// NewLogger builds a slog logger writing to w per cfg.
func NewLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
