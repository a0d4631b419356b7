package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 100000.0, cfg.AllocatorConfig.TotalCapital)
	assert.Equal(t, 7, cfg.AllocatorConfig.RebalanceIntervalDays)
	assert.Equal(t, 0.95, cfg.SwarmConfig.DecayFactor)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capital", func(c *Config) { c.AllocatorConfig.TotalCapital = 0 }},
		{"negative capital", func(c *Config) { c.AllocatorConfig.TotalCapital = -1 }},
		{"allocation pct above 1", func(c *Config) { c.AllocatorConfig.MaxAllocationPct = 1.5 }},
		{"zero base risk", func(c *Config) { c.SizerConfig.BaseRiskPct = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allocator":{"total_capital":250000,"rebalance_interval_days":3}}`), 0o644))

	t.Setenv("ENGINE_TOTAL_CAPITAL", "500000")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Env wins over file, file wins over defaults.
	assert.Equal(t, 500000.0, cfg.AllocatorConfig.TotalCapital)
	assert.Equal(t, 3, cfg.AllocatorConfig.RebalanceIntervalDays)
	assert.Equal(t, "DEBUG", cfg.LoggingConfig.Level)
	assert.Equal(t, 0.30, cfg.SizerConfig.MaxPositionPct)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().AllocatorConfig, cfg.AllocatorConfig)
}

func TestLoadConfig_BadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
