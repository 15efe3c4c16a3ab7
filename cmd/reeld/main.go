// Command reeld runs the reel daemon in the foreground. It is equivalent to
// `reel daemon run` and suits service managers such as systemd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"reel/internal/config"
	"reel/internal/daemonrun"
)

func newRootCommand() *cobra.Command {
	var configPath string
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:           "reeld",
		Short:         "Run the reel daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&opts.Paused, "paused", false, "Start with job processing halted")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
