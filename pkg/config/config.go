// Package config provides the unified configuration system for garimpo.
// It defines a single Config structure covering every pipeline concern:
//
//   - Logging: level and encoding for the structured logger
//   - Storage: object store endpoint, bucket and credentials
//   - Ledger: change-detection store backend selection
//   - Run: worker bounds, timeouts and output format
//   - Sources: per-family politeness and retry policies
//
// Configuration is loaded from a YAML file via viper, with every key
// overridable through GARIMPO_* environment variables
// (e.g. GARIMPO_STORAGE_ENDPOINT overrides storage.endpoint).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// Config is the root configuration for a garimpo process.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Ledger  LedgerConfig  `yaml:"ledger" mapstructure:"ledger"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Run     RunConfig     `yaml:"run" mapstructure:"run"`

	// Sources holds per-family overrides keyed by source id (cvm, snd, b3).
	// Families absent from the map run with their registered defaults.
	Sources map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`

	// CatalogPath optionally points at a table-catalog YAML overriding the
	// embedded gold-table definitions.
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"` // json or console
	Development bool   `yaml:"development" mapstructure:"development"`
}

// StorageConfig identifies the object store holding landing and gold layers.
// Endpoint is optional; when set (MinIO or another S3-compatible store) the
// client switches to path-style addressing.
type StorageConfig struct {
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	Region         string `yaml:"region" mapstructure:"region"`
	Bucket         string `yaml:"bucket" mapstructure:"bucket"`
	AccessKey      string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey      string `yaml:"secret_key" mapstructure:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	// CreateBucket provisions the bucket at startup when it does not exist.
	CreateBucket bool `yaml:"create_bucket" mapstructure:"create_bucket"`
}

// LedgerConfig selects the change-detection store backend.
type LedgerConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend string `yaml:"backend" mapstructure:"backend"`
	// Path is the SQLite database location (sqlite backend).
	Path string `yaml:"path" mapstructure:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// CacheConfig points the optional serving cache at a Redis instance.
// An empty Addr disables caching entirely.
type CacheConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	// TTL expires cached tables; zero keeps each table until its next
	// publish overwrites it.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// RunConfig bounds one job run.
type RunConfig struct {
	// Workers is the per-run document worker pool size.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// Timeout is the wall-clock budget for one run.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// RequestTimeout bounds a single fetch attempt.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	// Format selects the artifact encoding: parquet, avro or csv.
	Format string `yaml:"format" mapstructure:"format"`
	// ArchiveRaw preserves fetched payloads in the landing layer.
	ArchiveRaw bool `yaml:"archive_raw" mapstructure:"archive_raw"`
	// Parallel runs source families concurrently.
	Parallel bool `yaml:"parallel" mapstructure:"parallel"`
	// RefDate pins the artifact reference date (2006-01-02) for tables
	// published under the run date. Empty publishes under today.
	RefDate string `yaml:"ref_date" mapstructure:"ref_date"`
}

// SourceConfig carries the per-family knobs every connector honors.
type SourceConfig struct {
	// Disabled removes the family from scheduled runs. The zero value keeps
	// a partially-configured source enabled.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
	// BaseURL overrides the connector's published endpoint, mainly for tests.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// CrawlDelay is the minimum inter-request interval for the source host.
	CrawlDelay time.Duration `yaml:"crawl_delay" mapstructure:"crawl_delay"`
	Retry      RetryConfig   `yaml:"retry" mapstructure:"retry"`
	// Years limits year-ranged discovery (CVM archives).
	Years int `yaml:"years" mapstructure:"years"`
	// Issuers optionally restricts parsing to an issuer allowlist (CNPJs).
	Issuers []string `yaml:"issuers" mapstructure:"issuers"`
}

// RetryConfig is the declarative retry policy for one source family.
type RetryConfig struct {
	// Strategy is "exponential" or "fixed".
	Strategy     string        `yaml:"strategy" mapstructure:"strategy"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter       float64       `yaml:"jitter" mapstructure:"jitter"`
	// Delay is the constant inter-attempt delay for the fixed strategy.
	Delay time.Duration `yaml:"delay" mapstructure:"delay"`
}

// New returns a Config populated with production defaults.
func New() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Storage: StorageConfig{
			Region:       "us-east-1",
			Bucket:       "garimpo",
			CreateBucket: true,
		},
		Ledger: LedgerConfig{
			Backend: "sqlite",
			Path:    "garimpo.db",
		},
		Run: RunConfig{
			Workers:        4,
			Timeout:        30 * time.Minute,
			RequestTimeout: 60 * time.Second,
			Format:         "parquet",
			ArchiveRaw:     true,
		},
		Sources: map[string]SourceConfig{},
	}
}

// Load reads the configuration file at path, applies GARIMPO_* environment
// overrides and returns the merged Config. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GARIMPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
		}
	}

	cfg := New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every default so environment-only operation works
// without a config file.
func setDefaults(v *viper.Viper) {
	def := New()

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.encoding", def.Logging.Encoding)
	v.SetDefault("logging.development", def.Logging.Development)

	v.SetDefault("storage.endpoint", def.Storage.Endpoint)
	v.SetDefault("storage.region", def.Storage.Region)
	v.SetDefault("storage.bucket", def.Storage.Bucket)
	v.SetDefault("storage.access_key", def.Storage.AccessKey)
	v.SetDefault("storage.secret_key", def.Storage.SecretKey)
	v.SetDefault("storage.force_path_style", def.Storage.ForcePathStyle)
	v.SetDefault("storage.create_bucket", def.Storage.CreateBucket)

	v.SetDefault("ledger.backend", def.Ledger.Backend)
	v.SetDefault("ledger.path", def.Ledger.Path)
	v.SetDefault("ledger.dsn", def.Ledger.DSN)

	v.SetDefault("cache.addr", def.Cache.Addr)
	v.SetDefault("cache.password", def.Cache.Password)
	v.SetDefault("cache.db", def.Cache.DB)
	v.SetDefault("cache.ttl", def.Cache.TTL)

	v.SetDefault("run.workers", def.Run.Workers)
	v.SetDefault("run.timeout", def.Run.Timeout)
	v.SetDefault("run.request_timeout", def.Run.RequestTimeout)
	v.SetDefault("run.format", def.Run.Format)
	v.SetDefault("run.archive_raw", def.Run.ArchiveRaw)
	v.SetDefault("run.parallel", def.Run.Parallel)
	v.SetDefault("run.ref_date", def.Run.RefDate)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Storage.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "storage.bucket is required")
	}

	switch c.Ledger.Backend {
	case "sqlite":
		if c.Ledger.Path == "" {
			return errors.New(errors.ErrorTypeConfig, "ledger.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return errors.New(errors.ErrorTypeConfig, "ledger.dsn is required for the postgres backend")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown ledger backend %q", c.Ledger.Backend)
	}

	switch c.Run.Format {
	case "parquet", "avro", "csv":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown artifact format %q", c.Run.Format)
	}

	if c.Run.RefDate != "" {
		if _, err := time.Parse("2006-01-02", c.Run.RefDate); err != nil {
			return errors.Newf(errors.ErrorTypeConfig,
				"run.ref_date %q is not a 2006-01-02 date", c.Run.RefDate)
		}
	}

	if c.Run.Workers <= 0 {
		c.Run.Workers = 4
	}
	if c.Run.Timeout <= 0 {
		c.Run.Timeout = 30 * time.Minute
	}
	if c.Run.RequestTimeout <= 0 {
		c.Run.RequestTimeout = 60 * time.Second
	}

	for id, src := range c.Sources {
		if src.Retry.Strategy != "" &&
			src.Retry.Strategy != "exponential" && src.Retry.Strategy != "fixed" {
			return errors.Newf(errors.ErrorTypeConfig,
				"source %s: unknown retry strategy %q", id, src.Retry.Strategy)
		}
	}

	return nil
}

// Source returns the configuration for one source family. Families absent
// from the map get a zero value, which leaves connector defaults in force.
func (c *Config) Source(id string) SourceConfig {
	return c.Sources[id]
}
