package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/runlevel/internal/config"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .runlevel/ with a starter config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := opts.project()
			if err != nil {
				return err
			}
			if err := config.InitDir(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", config.DefaultPath(dir))
			return nil
		},
	}
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the launch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			graph, err := cfg.Graph()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d worker(s) OK\n", cfg.Path, graph.Len())
			for i, name := range graph.Order() {
				spec, _ := graph.Spec(name)
				deps := "-"
				if len(spec.DependsOn) > 0 {
					deps = strings.Join(spec.DependsOn, ", ")
				}
				fmt.Fprintf(out, "%2d. %-24s after: %s\n", i+1, name, deps)
			}
			return nil
		},
	}
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	dir, err := opts.project()
	if err != nil {
		return nil, err
	}
	return config.Load(dir, opts.configPath)
}
