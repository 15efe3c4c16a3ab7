package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var socketFlag string
	var configFlag string

	ctx := newCommandContext(&socketFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "reel",
		Short:         "Reel transcription pipeline CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the reel daemon socket")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newDaemonCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newIdentityCommand(ctx))
	rootCmd.AddCommand(newLogsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
