package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the vault's recognized configuration surface.
type Config struct {
	// GroupSize is the close-group cardinality; the commit quorum is
	// GroupSize-1.
	GroupSize int
	// AccumulatorTTL is how long deduplication remembers a message.
	AccumulatorTTL time.Duration
	// UnresolvedTTL is how long an uncommitted action is held.
	UnresolvedTTL time.Duration
	// SyncInterval is the period between unresolved-entry broadcasts.
	SyncInterval time.Duration
	// MaxVersions and MaxBranches cap each structured-data version
	// graph.
	MaxVersions int
	MaxBranches int
	// VaultRootDir is where the account database lives.
	VaultRootDir string

	LogLevel string
	LogJSON  bool
}

// fileConfig is the YAML shape; durations are strings in Go duration
// syntax ("30s", "5m").
type fileConfig struct {
	GroupSize      *int    `yaml:"group_size"`
	AccumulatorTTL *string `yaml:"accumulator_ttl"`
	UnresolvedTTL  *string `yaml:"unresolved_ttl"`
	SyncInterval   *string `yaml:"sync_interval"`
	MaxVersions    *int    `yaml:"max_versions"`
	MaxBranches    *int    `yaml:"max_branches"`
	VaultRootDir   *string `yaml:"vault_root_dir"`
	LogLevel       *string `yaml:"log_level"`
	LogJSON        *bool   `yaml:"log_json"`
}

// Default returns the configuration used when a key is absent.
func Default() Config {
	return Config{
		GroupSize:      4,
		AccumulatorTTL: 5 * time.Minute,
		UnresolvedTTL:  time.Minute,
		SyncInterval:   10 * time.Second,
		MaxVersions:    100,
		MaxBranches:    10,
		VaultRootDir:   "vault-data",
		LogLevel:       "info",
	}
}

// Load reads a YAML config file, filling absent keys with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.merge(file); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) merge(file fileConfig) error {
	if file.GroupSize != nil {
		c.GroupSize = *file.GroupSize
	}
	if file.MaxVersions != nil {
		c.MaxVersions = *file.MaxVersions
	}
	if file.MaxBranches != nil {
		c.MaxBranches = *file.MaxBranches
	}
	if file.VaultRootDir != nil {
		c.VaultRootDir = *file.VaultRootDir
	}
	if file.LogLevel != nil {
		c.LogLevel = *file.LogLevel
	}
	if file.LogJSON != nil {
		c.LogJSON = *file.LogJSON
	}
	for _, d := range []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"accumulator_ttl", file.AccumulatorTTL, &c.AccumulatorTTL},
		{"unresolved_ttl", file.UnresolvedTTL, &c.UnresolvedTTL},
		{"sync_interval", file.SyncInterval, &c.SyncInterval},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run under.
func (c Config) Validate() error {
	if c.GroupSize < 4 {
		return fmt.Errorf("group_size must be at least 4, got %d", c.GroupSize)
	}
	if c.AccumulatorTTL <= 0 {
		return fmt.Errorf("accumulator_ttl must be positive")
	}
	if c.UnresolvedTTL <= 0 {
		return fmt.Errorf("unresolved_ttl must be positive")
	}
	if c.MaxVersions < 1 || c.MaxBranches < 1 {
		return fmt.Errorf("max_versions and max_branches must be at least 1")
	}
	if c.VaultRootDir == "" {
		return fmt.Errorf("vault_root_dir is required")
	}
	return nil
}
