package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
group_size: 8
accumulator_ttl: 2m
unresolved_ttl: 30s
max_versions: 50
vault_root_dir: /var/lib/vault
log_level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.GroupSize)
	assert.Equal(t, 2*time.Minute, cfg.AccumulatorTTL)
	assert.Equal(t, 30*time.Second, cfg.UnresolvedTTL)
	assert.Equal(t, 50, cfg.MaxVersions)
	assert.Equal(t, "/var/lib/vault", cfg.VaultRootDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().MaxBranches, cfg.MaxBranches)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "small group", mutate: func(c *Config) { c.GroupSize = 3 }},
		{name: "zero accumulator ttl", mutate: func(c *Config) { c.AccumulatorTTL = 0 }},
		{name: "negative unresolved ttl", mutate: func(c *Config) { c.UnresolvedTTL = -time.Second }},
		{name: "zero branches", mutate: func(c *Config) { c.MaxBranches = 0 }},
		{name: "missing root dir", mutate: func(c *Config) { c.VaultRootDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
