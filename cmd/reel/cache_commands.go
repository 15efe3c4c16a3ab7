package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reel/internal/api"
	"reel/internal/ipc"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the shared model cache",
	}
	cacheCmd.AddCommand(newCacheStatusCommand(ctx), newCacheClearCommand(ctx))
	return cacheCmd
}

func newCacheStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List loaded models and cache counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CacheStatus()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.CacheStatus)
				}
				printCacheStatus(cmd, resp.CacheStatus, time.Now())
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func printCacheStatus(cmd *cobra.Command, status api.CacheStatus, now time.Time) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Budget %s, used %s\n", formatBytes(status.BudgetBytes), formatBytes(status.UsedBytes))
	fmt.Fprintf(out, "Hits %d, misses %d, evictions %d, load failures %d\n",
		status.Hits, status.Misses, status.Evictions, status.LoadFailures)
	if len(status.Entries) == 0 {
		fmt.Fprintln(out, "No models loaded")
		return
	}
	rows := make([][]string, 0, len(status.Entries))
	for _, e := range status.Entries {
		state := "ready"
		if !e.Ready {
			state = "loading"
		}
		rows = append(rows, []string{
			e.Kind,
			shortFingerprint(e.Fingerprint),
			state,
			fmt.Sprintf("%d", e.RefCount),
			formatBytes(e.SizeBytes),
			formatAge(e.LastUsed, now),
			strings.Join(e.Holders, ", "),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Kind", "Fingerprint", "State", "Refs", "Size", "Last used", "Holders"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [kind]",
		Short: "Evict idle models, optionally only those of one kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ""
			if len(args) == 1 {
				kind = args[0]
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CacheClear(kind)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Evicted %d model(s)\n", resp.Evicted)
				if resp.InUse != "" {
					fmt.Fprintf(out, "Some models were kept: %s\n", resp.InUse)
				}
				return nil
			})
		},
	}
}

func shortFingerprint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	if len(value) > 12 {
		return value[:12]
	}
	return value
}
