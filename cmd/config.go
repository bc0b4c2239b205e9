// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"

	"github.com/featurebasedb/bitplan/config"
	"github.com/spf13/cobra"
)

// ConfigCommand prints a configuration as TOML.
type ConfigCommand struct {
	Stdout io.Writer
	Config config.Config
}

// Run prints out the config.
func (cmd *ConfigCommand) Run() error {
	buf, err := cmd.Config.TOML()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Stdout, string(buf))
	return nil
}

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		Long: `config prints the configuration resulting from the defaults, the
configuration file, the environment and the flags, in that order of
precedence.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (&ConfigCommand{Stdout: stdout, Config: *cfg}).Run()
		},
	}
}

func newGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long: `generate-config prints the default configuration to stdout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (&ConfigCommand{Stdout: stdout, Config: config.Default()}).Run()
		},
	}
}
