// ============================================================================
// Bottomless Replicator - Configuration Loading
// ============================================================================
//
// Package: pkg/config
// File: config.go
// Purpose: Load a types.Config from YAML. Environment-variable
// parsing stays outside the core — cmd/replicatord is the only place that may translate flags or
// env vars into a types.Config before handing it to internal/replicator.
//
// ============================================================================

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// Load reads and parses the YAML config file at path, applying defaults
// for every unset option (types.Config.WithDefaults).
func Load(path string) (types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg types.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return types.Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	return Validate(cfg.WithDefaults())
}

// Validate checks the fields WithDefaults cannot fill in on its own.
func Validate(cfg types.Config) (types.Config, error) {
	if cfg.DbID == "" {
		return cfg, types.NewError(types.KindConfig, "db_id is required")
	}
	return cfg, nil
}
