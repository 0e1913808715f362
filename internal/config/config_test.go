package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATA_DIR", "CPC_VERSION", "EXPORT_FORMATS", "DUPLICATE_POLICY", "ORPHAN_POLICY", "HTTP_TIMEOUT", "JOB_TTL", "CPC_BASE_URL", "CPC_PRERELEASE_PATH", "USE_SYMBOL_LIST"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "https://www.cooperativepatentclassification.org/cpcSchemeAndDefinitions/bulk", cfg.BulkPageURL())
	assert.Equal(t, "data/raw", cfg.RawDir())
	assert.Equal(t, "data/output", cfg.OutputDir())
	assert.Equal(t, 5*time.Minute, cfg.HTTPTimeout)
	assert.True(t, cfg.UseValidityFile)
	assert.True(t, cfg.UseSymbolList)
	assert.Equal(t, "https://www.cooperativepatentclassification.org/CPCRevisions/prereleases", cfg.PrereleasePageURL())
	assert.Equal(t, "data/raw/prereleases", cfg.PrereleaseDir())
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CPC_VERSION", "202505")
	t.Setenv("DUPLICATE_POLICY", "flag")
	t.Setenv("HTTP_TIMEOUT", "not-a-duration")
	t.Setenv("MAX_QUEUE_SIZE", "-3")
	t.Setenv("CPC_BASE_URL", "http://mirror.local/")
	cfg := Load()
	assert.Equal(t, "202505", cfg.Version)
	assert.Equal(t, "flag", cfg.DuplicatePolicy)
	assert.Equal(t, 5*time.Minute, cfg.HTTPTimeout)
	assert.Equal(t, 4, cfg.MaxQueueSize)
	assert.Equal(t, "http://mirror.local/cpcSchemeAndDefinitions/bulk", cfg.BulkPageURL())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = "2025-5" }, "CPC_VERSION"},
		{"bad policy", func(c *Config) { c.DuplicatePolicy = "newest" }, "DUPLICATE_POLICY"},
		{"bad orphans", func(c *Config) { c.OrphanPolicy = "keep" }, "ORPHAN_POLICY"},
		{"bad format", func(c *Config) { c.ExportFormats = "csv,xlsx" }, "EXPORT_FORMATS"},
		{"bad url", func(c *Config) { c.BaseURL = "not a url" }, "CPC_BASE_URL"},
		{"bad path", func(c *Config) { c.BulkPath = "bulk" }, "CPC_BULK_PATH"},
		{"bad prerelease path", func(c *Config) { c.PrereleasePath = "" }, "CPC_PRERELEASE_PATH"},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "DATA_DIR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateServer_RequiresAPIKey(t *testing.T) {
	t.Setenv("CPCETL_API_KEY", "")
	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.ErrorContains(t, cfg.ValidateServer(), "CPCETL_API_KEY")

	cfg.APIKey = "secret"
	assert.NoError(t, cfg.ValidateServer())
}
