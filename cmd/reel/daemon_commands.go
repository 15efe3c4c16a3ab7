package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/daemonctl"
	"reel/internal/daemonrun"
	"reel/internal/ipc"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Control the reel daemon",
	}
	daemonCmd.AddCommand(
		newDaemonStartCommand(ctx),
		newDaemonStopCommand(ctx),
		newDaemonPauseCommand(ctx),
		newDaemonRestartCommand(ctx),
		newDaemonStatusCommand(ctx),
		newDaemonRunCommand(ctx),
	)
	return daemonCmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the daemon, or resume processing if it is paused",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonLaunchOptions(ctx, logLevel), 10*time.Second)
			if err != nil {
				return err
			}
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			printStartResult(stdout, result, "Daemon started")
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

func printStartResult(stdout io.Writer, result daemonctl.StartResult, started string) {
	switch result.State {
	case daemonctl.StartStateStarted:
		fmt.Fprintln(stdout, started)
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintln(stdout, "Daemon already running")
	case daemonctl.StartStateRequested:
		if msg := strings.TrimSpace(result.Message); msg != "" {
			fmt.Fprintln(stdout, msg)
			return
		}
		fmt.Fprintln(stdout, "Start request sent")
	}
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon process",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), 10*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.ShutdownAcknowledged {
				fmt.Fprintln(stdout, "Shutdown request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
}

func newDaemonPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Halt job processing while keeping the daemon reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Stop(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Processing paused; running units finish first. Resume with `reel daemon start`.")
				return nil
			})
		},
	}
}

func newDaemonRestartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon process",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(ctx.configValue(), exe, daemonLaunchOptions(ctx, logLevel), 10*time.Second, 10*time.Second)
			if err != nil {
				return err
			}
			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			printStartResult(stdout, result.Start, "Daemon restarted")
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&opts.Paused, "paused", false, "Start with job processing halted")
	return cmd
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		LogLevel:   logLevel,
	}
}
