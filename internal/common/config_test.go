package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFiles_LayersFilesThenEnv(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	require.NoError(t, os.WriteFile(base, []byte(`
[source]
dir = "/data/scans"

[rate]
requests_per_second = 5
tokens_per_minute = 100000

[budget]
limit = 25.0
`), 0644))
	require.NoError(t, os.WriteFile(override, []byte(`
[rate]
requests_per_second = 1

[pricing."claude-sonnet-4-5"]
input_per_million = 2.5
output_per_million = 12.5
batch_discount = 0.5
`), 0644))

	t.Setenv("VELLUM_BUDGET_LIMIT", "40")
	t.Setenv("VELLUM_RATE_CONCURRENCY", "3")

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "/data/scans", cfg.Source.Dir)
	assert.Equal(t, 1, cfg.Rate.RequestsPerSecond, "later file wins")
	assert.Equal(t, 100000, cfg.Rate.TokensPerMinute, "unset keys keep earlier values")
	assert.Equal(t, 3, cfg.Rate.MaxConcurrency)
	assert.Equal(t, 40.0, cfg.Budget.Limit, "environment overrides files")
	assert.Equal(t, 2.5, cfg.Pricing["claude-sonnet-4-5"].InputPerMillion)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Budget.Limit = 10

	ApplyFlagOverrides(cfg, -1, 0)
	assert.Equal(t, 10.0, cfg.Budget.Limit)
	assert.Equal(t, 4, cfg.Workers.Count)

	ApplyFlagOverrides(cfg, 2.5, 8)
	assert.Equal(t, 2.5, cfg.Budget.Limit)
	assert.Equal(t, 8, cfg.Workers.Count)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.LLM.DefaultProvider = "openai" }},
		{"no workers", func(c *Config) { c.Workers.Count = 0 }},
		{"negative ceiling", func(c *Config) { c.Rate.TokensPerMinute = -1 }},
		{"chunk floor above size", func(c *Config) { c.Chunking.MinPagesPerChunk = 50 }},
		{"unpriced model", func(c *Config) { c.Claude.Model = "claude-unknown" }},
		{"bad duration", func(c *Config) { c.Batch.MaxWait = "soon" }},
	}

	assert.NoError(t, NewDefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("VELLUM_CLAUDE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := ResolveAPIKey("anthropic_api_key", "")
	assert.Error(t, err)

	key, err := ResolveAPIKey("anthropic_api_key", "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	key, err = ResolveAPIKey("anthropic_api_key", "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseDurationOr("3s", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("never", time.Minute))
}
