package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"reel/internal/api"
	"reel/internal/daemonctl"
)

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, pipeline and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, snap)
			}
			renderStatusSnapshot(cmd.OutOrStdout(), snap, shouldColorize(cmd.OutOrStdout()), time.Now())
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func renderStatusSnapshot(out io.Writer, snap *daemonctl.Snapshot, colorize bool, now time.Time) {
	status := snap.Status

	printSection(out, "Daemon", colorize)
	switch {
	case !snap.Reachable:
		fmt.Fprintln(out, renderStatusLine("Reel", statusWarn, "Not running (run `reel daemon start`)", colorize))
	case status.Running:
		fmt.Fprintln(out, renderStatusLine("Reel", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	default:
		fmt.Fprintln(out, renderStatusLine("Reel", statusWarn, fmt.Sprintf("Paused (pid %d)", status.PID), colorize))
	}
	if snap.Reachable {
		fmt.Fprintln(out, renderStatusLine("Workers", statusInfo, fmt.Sprintf("%d", status.Engine.Workers), colorize))
		if len(status.Pipeline) > 0 {
			fmt.Fprintln(out, renderStatusLine("Pipeline", statusInfo, strings.Join(status.Pipeline, " > "), colorize))
		}
		if status.Watching != "" {
			fmt.Fprintln(out, renderStatusLine("Inbox", statusOK, status.Watching, colorize))
		}
		if status.MetricsAddr != "" {
			fmt.Fprintln(out, renderStatusLine("Metrics", statusOK, "http://"+status.MetricsAddr+"/metrics", colorize))
		}
		if status.Engine.LastError != "" {
			fmt.Fprintln(out, renderStatusLine("Last error", statusWarn,
				fmt.Sprintf("%s (job %s)", status.Engine.LastError, api.ShortID(status.Engine.LastJobID)), colorize))
		}
	}
	fmt.Fprintln(out, renderStatusLine("Queue DB", statusInfo, status.QueueDBPath, colorize))
	fmt.Fprintln(out)

	printSection(out, "Dependencies", colorize)
	fmt.Fprintln(out, renderStatusLine("Summary", statusKindFromSeverity(snap.DependencySummary.Severity), snap.DependencySummary.Detail, colorize))
	for _, dep := range snap.Dependencies {
		detail := dep.Detail
		if dep.Available && dep.Command != "" {
			detail = fmt.Sprintf("Ready (%s)", dep.Detail)
		}
		fmt.Fprintln(out, renderStatusLine(dep.Name, statusKindFromSeverity(dep.Severity), detail, colorize))
	}

	if len(status.Engine.StageHealth) > 0 {
		fmt.Fprintln(out)
		printSection(out, "Stages", colorize)
		for _, h := range status.Engine.StageHealth {
			kind := statusOK
			detail := "Ready"
			if !h.Ready {
				kind = statusWarn
				detail = "Not ready"
			}
			if h.Detail != "" {
				detail += " (" + h.Detail + ")"
			}
			fmt.Fprintln(out, renderStatusLine(h.Name, kind, detail, colorize))
		}
	}

	if len(status.Engine.Active) > 0 {
		fmt.Fprintln(out)
		printSection(out, "Active Jobs", colorize)
		rows := make([][]string, 0, len(status.Engine.Active))
		for _, a := range status.Engine.Active {
			rows = append(rows, []string{
				a.Worker,
				api.ShortID(a.JobID),
				a.Stage,
				fmt.Sprintf("%d/%d", a.Cursor, a.Units),
				formatAge(a.Since, now),
			})
		}
		fmt.Fprint(out, renderTable([]string{"Worker", "Job", "Stage", "Units", "Since"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}))
	}

	if snap.Reachable {
		fmt.Fprintln(out)
		printSection(out, "Resources", colorize)
		cache := status.Cache
		fmt.Fprintln(out, renderStatusLine("Model cache", statusInfo,
			fmt.Sprintf("%d loaded, %s of %s", len(cache.Entries), formatBytes(cache.UsedBytes), formatBytes(cache.BudgetBytes)), colorize))
		cp := status.Checkpoints
		fmt.Fprintln(out, renderStatusLine("Job data", statusInfo,
			fmt.Sprintf("%d jobs, %s used, %s free", cp.Jobs, formatBytes(cp.UsedBytes), humanize.IBytes(cp.FreeBytes)), colorize))
		fmt.Fprintln(out, renderStatusLine("Notifications", statusInfo,
			fmt.Sprintf("%d delivered, %d dropped", status.Notifications.Delivered, status.Notifications.Dropped), colorize))
	}

	fmt.Fprintln(out)
	printSection(out, "Queue", colorize)
	fmt.Fprint(out, renderTable([]string{"Status", "Count"}, buildQueueStatusRows(snap.QueueStats),
		[]columnAlignment{alignLeft, alignRight}))
}
