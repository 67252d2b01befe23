package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, "parquet", cfg.Run.Format)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.True(t, cfg.Run.ArchiveRaw)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garimpo.yaml")
	content := `
logging:
  level: debug
  encoding: console
storage:
  bucket: market-data
  endpoint: http://localhost:9000
  force_path_style: true
run:
  workers: 8
  timeout: 10m
  format: avro
sources:
  cvm:
    crawl_delay: 2s
    years: 2
    retry:
      strategy: exponential
      max_attempts: 5
  snd:
    disabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "market-data", cfg.Storage.Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.Endpoint)
	assert.True(t, cfg.Storage.ForcePathStyle)
	assert.Equal(t, 8, cfg.Run.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Run.Timeout)
	assert.Equal(t, "avro", cfg.Run.Format)

	cvm := cfg.Source("cvm")
	assert.False(t, cvm.Disabled)
	assert.Equal(t, 2*time.Second, cvm.CrawlDelay)
	assert.Equal(t, 2, cvm.Years)
	assert.Equal(t, "exponential", cvm.Retry.Strategy)
	assert.Equal(t, 5, cvm.Retry.MaxAttempts)

	assert.True(t, cfg.Source("snd").Disabled)
	assert.False(t, cfg.Source("b3").Disabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GARIMPO_STORAGE_BUCKET", "from-env")
	t.Setenv("GARIMPO_RUN_FORMAT", "csv")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, "csv", cfg.Run.Format)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bucket", func(c *Config) { c.Storage.Bucket = "" }},
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "dynamo" }},
		{"sqlite without path", func(c *Config) { c.Ledger.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Ledger.Backend = "postgres" }},
		{"unknown format", func(c *Config) { c.Run.Format = "orc" }},
		{"unknown retry strategy", func(c *Config) {
			c.Sources = map[string]SourceConfig{"cvm": {Retry: RetryConfig{Strategy: "linear"}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseYAMLEnvSubstitution(t *testing.T) {
	t.Setenv("GARIMPO_TEST_VALUE", "substituted")

	var out struct {
		Value string `yaml:"value"`
	}
	err := ParseYAML([]byte("value: ${GARIMPO_TEST_VALUE}"), &out)
	require.NoError(t, err)
	assert.Equal(t, "substituted", out.Value)
}
