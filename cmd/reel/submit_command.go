package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"reel/internal/api"
	"reel/internal/config"
	"reel/internal/ipc"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit <file>...",
		Short: "Submit media files for transcription",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := resolveMediaPaths(args)
			if err != nil {
				return err
			}
			var prio *int
			if cmd.Flags().Changed("priority") {
				prio = &priority
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(paths, prio)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp)
				}
				printSubmitResult(cmd, resp)
				if len(resp.Failures) > 0 {
					return fmt.Errorf("%d of %d file(s) not submitted", len(resp.Failures), len(paths))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Job priority (higher runs first)")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func resolveMediaPaths(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		expanded, err := config.ExpandPath(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", arg, err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", arg, err)
		}
		paths = append(paths, abs)
	}
	return paths, nil
}

func printSubmitResult(cmd *cobra.Command, resp *ipc.SubmitResponse) {
	out := cmd.OutOrStdout()
	for _, job := range resp.Jobs {
		fmt.Fprintf(out, "Submitted %s as job %s (%d segments, priority %d)\n",
			sourceLabel(job.SourcePath), api.ShortID(job.ID), job.Segments, job.Priority)
	}
	errOut := cmd.ErrOrStderr()
	for _, failure := range resp.Failures {
		reason := "failed"
		if failure.Rejected {
			reason = "rejected"
		}
		fmt.Fprintf(errOut, "%s %s: %s\n", sourceLabel(failure.Path), reason, failure.Error)
	}
}
