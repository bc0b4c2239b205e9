// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/featurebasedb/bitplan/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "BITPLAN"

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := config.Default()
	rc := &cobra.Command{
		Use:   "bitplan",
		Short: "bitplan plans and evaluates bitmap queries over transactional in-memory indexes.",
		Long: `bitplan plans and evaluates bitmap queries over transactional in-memory indexes.

Queries are turned into formula trees whose cost is estimated before
anything is evaluated; the planner picks the cheapest index scope and
decides whether fetching a few entities beats the bitmap algebra.

Every setting can be given as a flag, as an environment variable
(` + envPrefix + `_PLANNER_PREFETCH_THRESHOLD etc.) or in a TOML file.
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := setAllConfig(v, cmd.Flags()); err != nil {
				return err
			}

			// return "dry run" error if "dry-run" flag is set
			ret, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("problem getting dry-run flag: %v", err)
			}
			if ret {
				if cmd.Parent() != nil {
					return fmt.Errorf("dry run")
				}
			}
			return cfg.Validate()
		},
	}
	rc.PersistentFlags().Bool("dry-run", false, "stop before executing")
	_ = rc.PersistentFlags().MarkHidden("dry-run")
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	BuildConfigFlags(rc.PersistentFlags(), &cfg)

	rc.AddCommand(newConfigCommand(stdin, stdout, stderr, &cfg))
	rc.AddCommand(newGenerateConfigCommand(stdin, stdout, stderr))
	rc.AddCommand(newDemoCommand(stdin, stdout, stderr, &cfg))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// BuildConfigFlags defines one flag per configuration setting, writing into
// cfg. Flag names are the TOML keys.
func BuildConfigFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.Int64Var(&cfg.Cost.And, "cost.and", cfg.Cost.And, "Cost per operand element of an AND.")
	flags.Int64Var(&cfg.Cost.Or, "cost.or", cfg.Cost.Or, "Cost per operand element of an OR.")
	flags.Int64Var(&cfg.Cost.Not, "cost.not", cfg.Cost.Not, "Cost per operand element of a NOT.")
	flags.Int64Var(&cfg.Cost.UserFilter, "cost.user-filter", cfg.Cost.UserFilter, "Cost per operand element of a user filter.")
	flags.Int64Var(&cfg.Cost.Deferred, "cost.deferred", cfg.Cost.Deferred, "Cost per element of a deferred leaf.")

	flags.IntVar(&cfg.Planner.PrefetchThreshold, "planner.prefetch-threshold", cfg.Planner.PrefetchThreshold, "Number of entities below which prefetching is considered.")
	flags.Int64Var(&cfg.Planner.UnitFetchCost, "planner.unit-fetch-cost", cfg.Planner.UnitFetchCost, "Cost of fetching one content section of one entity.")
	flags.BoolVar(&cfg.Planner.ParallelCandidates, "planner.parallel-candidates", cfg.Planner.ParallelCandidates, "Build candidate formulas concurrently.")

	flags.BoolVar(&cfg.Cache.Enabled, "cache.enabled", cfg.Cache.Enabled, "Retain computed formulas across queries.")
	flags.Int64Var(&cfg.Cache.MinCost, "cache.min-cost", cfg.Cache.MinCost, "Cost a computed formula must reach to be retained.")
	flags.IntVar(&cfg.Cache.MaxEntries, "cache.max-entries", cfg.Cache.MaxEntries, "Maximum number of retained formulas, 0 for unbounded.")

	flags.StringVar(&cfg.Log.Verbosity, "log.verbosity", cfg.Log.Verbosity, "Log verbosity: debug, info, warn or error.")
}

// setAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It then reads from the command line, the
// environment, and a config file (if specified), and applies the configuration
// in that priority order. Since each flag in the set contains a pointer to
// where its value should be stored, setAllConfig can directly modify the value
// of each config variable.
//
// setAllConfig looks for environment variables which are capitalized versions
// of the flag names with dashes and dots replaced by underscores, and prefixed
// with BITPLAN plus an underscore.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	// add cmd line flag def to viper
	err := v.BindPFlags(flags)
	if err != nil {
		return err
	}

	// add env to viper
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	c := v.GetString("config")
	var flagErr error
	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	// add config file to viper
	if c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		err := v.ReadInConfig()
		if err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}

		for _, key := range v.AllKeys() {
			if _, ok := validTags[key]; !ok {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	// set all values from viper
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil {
			return
		}
		if f.Changed {
			// If f.Changed is true, the value has already been set by a
			// flag, which has the highest priority.
			return
		}
		flagErr = f.Value.Set(v.GetString(f.Name))
	})
	return flagErr
}
