// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package config holds the tunables of the engine core: the per-operator
// cost coefficients of the formula algebra, the planner's prefetch policy,
// the cache supervisor policy and log verbosity.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/featurebasedb/bitplan/errors"
	"github.com/featurebasedb/bitplan/formula"
	"github.com/featurebasedb/bitplan/logger"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml"
)

// Config is the root configuration. Field names double as TOML keys and as
// CLI flag names ("planner.prefetch-threshold" etc.).
type Config struct {
	Cost    Cost    `toml:"cost" yaml:"cost"`
	Planner Planner `toml:"planner" yaml:"planner"`
	Cache   Cache   `toml:"cache" yaml:"cache"`
	Log     Log     `toml:"log" yaml:"log"`
}

// Cost holds the per-element cost coefficients of formula operators.
type Cost struct {
	And        int64 `toml:"and" yaml:"and"`
	Or         int64 `toml:"or" yaml:"or"`
	Not        int64 `toml:"not" yaml:"not"`
	UserFilter int64 `toml:"user-filter" yaml:"user-filter"`
	Deferred   int64 `toml:"deferred" yaml:"deferred"`
}

// Planner holds the prefetch policy.
type Planner struct {
	// PrefetchThreshold is the maximum number of entities the planner
	// is willing to prefetch and filter directly.
	PrefetchThreshold int `toml:"prefetch-threshold" yaml:"prefetch-threshold"`

	// UnitFetchCost is the estimated cost of fetching one content section
	// of one entity.
	UnitFetchCost int64 `toml:"unit-fetch-cost" yaml:"unit-fetch-cost"`

	// ParallelCandidates builds candidate formulas concurrently.
	ParallelCandidates bool `toml:"parallel-candidates" yaml:"parallel-candidates"`
}

// Cache holds the cache supervisor policy.
type Cache struct {
	Enabled    bool  `toml:"enabled" yaml:"enabled"`
	MinCost    int64 `toml:"min-cost" yaml:"min-cost"`
	MaxEntries int   `toml:"max-entries" yaml:"max-entries"`
}

// Log holds logging settings.
type Log struct {
	Verbosity string `toml:"verbosity" yaml:"verbosity"`
}

// Default returns the configuration with the empirically tuned values.
func Default() Config {
	cm := formula.DefaultCostModel()
	return Config{
		Cost: Cost{
			And:        cm.And,
			Or:         cm.Or,
			Not:        cm.Not,
			UserFilter: cm.UserFilter,
			Deferred:   cm.Deferred,
		},
		Planner: Planner{
			PrefetchThreshold:  1000,
			UnitFetchCost:      148,
			ParallelCandidates: true,
		},
		Cache: Cache{
			Enabled:    true,
			MinCost:    10000,
			MaxEntries: 4096,
		},
		Log: Log{
			Verbosity: "info",
		},
	}
}

// CostModel converts the cost section into the formula cost model.
func (c Cost) CostModel() formula.CostModel {
	return formula.CostModel{
		And:        c.And,
		Or:         c.Or,
		Not:        c.Not,
		UserFilter: c.UserFilter,
		Deferred:   c.Deferred,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for name, v := range map[string]int64{
		"cost.and":         c.Cost.And,
		"cost.or":          c.Cost.Or,
		"cost.not":         c.Cost.Not,
		"cost.user-filter": c.Cost.UserFilter,
		"cost.deferred":    c.Cost.Deferred,
	} {
		if v < 0 {
			return errors.Newf(errors.ErrInvalidConfig, "%s must not be negative: %d", name, v)
		}
	}
	if c.Planner.PrefetchThreshold < 0 {
		return errors.Newf(errors.ErrInvalidConfig, "planner.prefetch-threshold must not be negative: %d", c.Planner.PrefetchThreshold)
	}
	if c.Planner.UnitFetchCost <= 0 {
		return errors.Newf(errors.ErrInvalidConfig, "planner.unit-fetch-cost must be positive: %d", c.Planner.UnitFetchCost)
	}
	if c.Cache.MaxEntries < 0 {
		return errors.Newf(errors.ErrInvalidConfig, "cache.max-entries must not be negative: %d", c.Cache.MaxEntries)
	}
	if _, err := logger.LevelFromString(c.Log.Verbosity); err != nil {
		return errors.Wrap(errors.New(errors.ErrInvalidConfig, err.Error()), "log.verbosity")
	}
	return nil
}

// Load reads a configuration file on top of the defaults. The decoder is
// chosen by extension: .yaml and .yml use YAML, everything else TOML.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "reading configuration file '%s'", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = toml.Unmarshal(data, &c)
	}
	if err != nil {
		return c, errors.Wrapf(err, "decoding configuration file '%s'", path)
	}
	return c, c.Validate()
}

// TOML renders the configuration as TOML.
func (c Config) TOML() ([]byte, error) {
	buf, err := toml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling config")
	}
	return buf, nil
}
