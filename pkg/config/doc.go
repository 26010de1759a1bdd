// Package config loads and validates the vault's YAML configuration.
package config
