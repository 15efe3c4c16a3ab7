package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reel/internal/ipc"
	"reel/internal/queue"
)

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check queue database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, db, err := loadQueueHealth(cmd, ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, map[string]any{"summary": summary, "database": db})
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			printSection(out, "Queue Database", colorize)
			fmt.Fprintln(out, renderStatusLine("Path", statusInfo, db.DBPath, colorize))
			fmt.Fprintln(out, renderStatusLine("Exists", boolKind(db.DatabaseExists), yesNo(db.DatabaseExists), colorize))
			fmt.Fprintln(out, renderStatusLine("Readable", boolKind(db.DatabaseReadable), yesNo(db.DatabaseReadable), colorize))
			fmt.Fprintln(out, renderStatusLine("Schema", statusInfo, fmt.Sprintf("v%d", db.SchemaVersion), colorize))
			fmt.Fprintln(out, renderStatusLine("Integrity", boolKind(db.IntegrityCheck), yesNo(db.IntegrityCheck), colorize))
			if db.Error != "" {
				fmt.Fprintln(out, renderStatusLine("Error", statusError, db.Error, colorize))
			}
			fmt.Fprintln(out)
			printSection(out, "Jobs", colorize)
			fmt.Fprint(out, renderTable([]string{"Status", "Count"}, [][]string{
				{"Total", fmt.Sprint(summary.Total)},
				{"Queued", fmt.Sprint(summary.Queued)},
				{"Running", fmt.Sprint(summary.Running)},
				{"Paused", fmt.Sprint(summary.Paused)},
				{"Completed", fmt.Sprint(summary.Completed)},
				{"Failed", fmt.Sprint(summary.Failed)},
				{"Cancelled", fmt.Sprint(summary.Cancelled)},
			}, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func loadQueueHealth(cmd *cobra.Command, ctx *commandContext) (queue.HealthSummary, queue.DatabaseHealth, error) {
	if client, err := ipc.Dial(ctx.socketPath()); err == nil {
		defer client.Close()
		summary, err := client.QueueHealth()
		if err != nil {
			return queue.HealthSummary{}, queue.DatabaseHealth{}, err
		}
		db, err := client.DatabaseHealth()
		if err != nil {
			return queue.HealthSummary{}, queue.DatabaseHealth{}, err
		}
		return summary.HealthSummary, db.DatabaseHealth, nil
	}

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return queue.HealthSummary{}, queue.DatabaseHealth{}, err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return queue.HealthSummary{}, queue.DatabaseHealth{}, err
	}
	defer store.Close()
	summary, err := store.Health(cmd.Context())
	if err != nil {
		return queue.HealthSummary{}, queue.DatabaseHealth{}, err
	}
	db, _ := store.CheckHealth(cmd.Context())
	return summary, db, nil
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}
