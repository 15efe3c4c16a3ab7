package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/api"
	"reel/internal/ipc"
	"reel/internal/queueaccess"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued jobs",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	for _, action := range []api.ControlAction{api.ActionCancel, api.ActionPause, api.ActionResume, api.ActionRemove} {
		queueCmd.AddCommand(newQueueControlCommand(ctx, action))
	}
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueReprocessCommand(ctx))
	queueCmd.AddCommand(newQueueResubmitCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(access queueaccess.Access) error {
				jobs, err := access.List(cmd.Context(), statuses)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.JobListResponse{Jobs: api.SortJobsNewestFirst(jobs)})
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				rows := buildQueueListRows(jobs, time.Now())
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Source", "Status", "Progress", "Priority", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				if !access.Online() {
					fmt.Fprintln(out, "(daemon not running; read from queue database)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(access queueaccess.Access) error {
				stats, err := access.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.QueueStatsResponse{Counts: stats})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Status", "Count"},
					buildQueueStatusRows(stats),
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <job>",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(access queueaccess.Access) error {
				job, err := access.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", args[0])
				}
				if jsonOut {
					return writeJSON(cmd, job)
				}
				printJobDetails(cmd.OutOrStdout(), *job)
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func printJobDetails(out io.Writer, job api.Job) {
	fmt.Fprintf(out, "Job:        %s\n", job.ID)
	fmt.Fprintf(out, "Source:     %s\n", job.SourcePath)
	fmt.Fprintf(out, "Status:     %s\n", formatJobStatus(job))
	fmt.Fprintf(out, "Priority:   %d\n", job.Priority)
	fmt.Fprintf(out, "Duration:   %s (%d segments)\n", formatSeconds(job.DurationSeconds), job.Segments)
	fmt.Fprintf(out, "Stage:      %d (cursor %d)\n", job.StageIndex, job.Cursor)
	if progress := formatProgress(job.Progress); progress != "" {
		fmt.Fprintf(out, "Progress:   %s\n", progress)
	}
	if msg := strings.TrimSpace(job.Progress.Message); msg != "" {
		fmt.Fprintf(out, "Message:    %s\n", msg)
	}
	fmt.Fprintf(out, "Attempts:   %d\n", job.Attempts)
	if job.ParentID != "" {
		fmt.Fprintf(out, "Parent:     %s\n", job.ParentID)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:      %s\n", job.ErrorMessage)
	}
	if job.SkipPlan != nil {
		skipped := strings.Join(job.SkipPlan.Skip, ", ")
		if skipped == "" {
			skipped = "none"
		}
		fmt.Fprintf(out, "Skip plan:  %s (confidence %.2f, %s)\n", skipped, job.SkipPlan.Confidence, job.SkipPlan.Source)
	}
	fmt.Fprintf(out, "Created:    %s\n", formatDisplayTime(job.CreatedAt))
	if job.StartedAt != "" {
		fmt.Fprintf(out, "Started:    %s\n", formatDisplayTime(job.StartedAt))
	}
	if job.FinishedAt != "" {
		fmt.Fprintf(out, "Finished:   %s\n", formatDisplayTime(job.FinishedAt))
	}
	if len(job.Outputs) == 0 {
		return
	}
	names := make([]string, 0, len(job.Outputs))
	for name := range job.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "Outputs:")
	for _, name := range names {
		fmt.Fprintf(out, "  %-12s %s\n", name, job.Outputs[name])
	}
}

func newQueueControlCommand(ctx *commandContext, action api.ControlAction) *cobra.Command {
	var jsonOut bool
	short := map[api.ControlAction]string{
		api.ActionCancel: "Cancel jobs (running jobs stop at the next unit boundary)",
		api.ActionPause:  "Pause jobs (running jobs park at the next unit boundary)",
		api.ActionResume: "Resume paused jobs",
		api.ActionRemove: "Remove finished jobs and their data",
	}[action]

	cmd := &cobra.Command{
		Use:   string(action) + " <job>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(access queueaccess.Access) error {
				result, err := api.ControlJobs(cmd.Context(), access, action, args)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, result)
				}
				printControlResults(cmd.OutOrStdout(), action, result)
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func printControlResults(out io.Writer, action api.ControlAction, result api.ControlResults) {
	past := map[api.ControlAction]string{
		api.ActionCancel: "cancelled",
		api.ActionPause:  "paused",
		api.ActionResume: "resumed",
		api.ActionRemove: "removed",
	}[action]
	for _, item := range result.Items {
		label := item.Ref
		if item.ID != "" {
			label = api.ShortID(item.ID)
		}
		switch item.Outcome {
		case api.OutcomeNotFound:
			fmt.Fprintf(out, "Job %s not found\n", item.Ref)
		case api.OutcomeUpdated:
			fmt.Fprintf(out, "Job %s %s\n", label, past)
		case api.OutcomeRequested:
			fmt.Fprintf(out, "Job %s %s requested (currently %s; takes effect at the next unit boundary)\n",
				label, action, formatStatusLabel(item.PriorStatus))
		case api.OutcomeTerminal:
			fmt.Fprintf(out, "Job %s is already %s\n", label, item.PriorStatus)
		case api.OutcomeActive:
			fmt.Fprintf(out, "Job %s is %s; only finished jobs can be removed\n", label, item.PriorStatus)
		case api.OutcomeUnchanged:
			fmt.Fprintf(out, "Job %s unchanged (status %s)\n", label, item.PriorStatus)
		}
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished jobs (completed, failed and cancelled by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(access queueaccess.Access) error {
				removed, err := access.Clear(cmd.Context(), statuses)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only clear these terminal statuses")
	return cmd
}

func newQueueReprocessCommand(ctx *commandContext) *cobra.Command {
	var from string
	var priority int
	cmd := &cobra.Command{
		Use:   "reprocess <job>",
		Short: "Create a new job that reruns the pipeline from a stage",
		Long: "Reprocess copies the artifacts of every stage before --from into a new job " +
			"and runs the remaining stages. The original job is left untouched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(from) == "" {
				return errors.New("--from is required")
			}
			prio := optionalInt(cmd, "priority", priority)
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Reprocess(args[0], from, prio)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created job %s reprocessing from %s\n", api.ShortID(resp.Job.ID), from)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Stage to restart from")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority for the new job")
	return cmd
}

func newQueueResubmitCommand(ctx *commandContext) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "resubmit <job>",
		Short: "Create a new job continuing a failed or cancelled job from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio := optionalInt(cmd, "priority", priority)
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resubmit(args[0], prio)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created job %s for %s\n", api.ShortID(resp.Job.ID), sourceLabel(resp.Job.SourcePath))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority for the new job")
	return cmd
}

func optionalInt(cmd *cobra.Command, flag string, value int) *int {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}
