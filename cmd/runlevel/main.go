// cmd/runlevel/main.go
//
// Entry point for the runlevel CLI. `runlevel start` brings a fleet of
// worker processes up in dependency order once the shared readiness gate
// opens, and keeps them running until interrupted.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are shared by every subcommand.
type globalOptions struct {
	projectDir string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "runlevel",
		Short: "Start worker processes in dependency order and keep them running",
		Long: `runlevel supervises a fleet of long-running worker processes.

Workers declare which other workers must be running before they may start.
After a shared readiness check (for example an inference server answering
HTTP) passes or its retry budget runs out, each worker is launched as soon as
its dependencies are live and restarted after it exits.

Examples:
  runlevel init                 # write .runlevel/config.yaml
  runlevel validate             # check the worker graph
  runlevel start --tui          # run the fleet with a live dashboard
  runlevel status               # ask a running supervisor for worker state
  runlevel status --journal 20  # show the last 20 journal lines`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.projectDir, "project", "C", "", "project directory (default: current directory)")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file, .yaml or .toml (default: <project>/.runlevel/config.yaml)")

	root.AddCommand(newInitCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newStartCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	return root
}

func (o *globalOptions) project() (string, error) {
	if o.projectDir != "" {
		return o.projectDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return wd, nil
}
