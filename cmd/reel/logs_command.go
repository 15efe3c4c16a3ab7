package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"reel/internal/ipc"
	"reel/internal/logs"
	"reel/internal/queue"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var jobRef string
	var lines int
	var follow bool
	var filter string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon or per-job logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			client, err := ipc.Dial(ctx.socketPath())
			if err != nil {
				if follow {
					return wrapDialError(err, ctx.socketPath())
				}
				return tailLocalLog(cmd, ctx, jobRef, lines, filter)
			}
			defer client.Close()

			req := ipc.LogTailRequest{Job: jobRef, Offset: -1, Limit: lines, Filter: filter}
			resp, err := client.LogTail(req)
			if err != nil {
				return err
			}
			printLines(out, resp.Lines)
			if !follow {
				return nil
			}
			req.Limit = 0
			req.Follow = true
			req.WaitMillis = 1000
			req.Offset = resp.Offset
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				default:
				}
				resp, err := client.LogTail(req)
				if err != nil {
					return err
				}
				printLines(out, resp.Lines)
				req.Offset = resp.Offset
			}
		},
	}
	cmd.Flags().StringVarP(&jobRef, "job", "j", "", "Show the log of one job")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow new log lines")
	cmd.Flags().StringVar(&filter, "filter", "", "Only show lines containing this text")
	cmd.AddCommand(newLogsAnalyzeCommand(ctx))
	return cmd
}

func newLogsAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var jobLogs bool
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "analyze [log-file...]",
		Short: "Summarize failures recorded in the logs",
		Long: `Group logged failures by stage, error kind and event type, with the hints
operators were given, failure times by hour, and the queue status of every
job that failed. Reads the daemon log unless files are named.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = []string{cfg.DaemonLogPath()}
				if jobLogs {
					matches, err := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "jobs", "*.log"))
					if err != nil {
						return err
					}
					paths = append(paths, matches...)
				}
			}

			opts := logs.AnalyzeOptions{}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}
			store, err := queue.Open(cfg)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Queue database unavailable, skipping job cross-reference: %v\n", err)
			} else {
				defer store.Close()
				opts.Jobs = store
			}

			report, err := logs.Analyze(cmd.Context(), paths, opts)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, report)
			}
			renderLogReport(cmd.OutOrStdout(), report, shouldColorize(cmd.OutOrStdout()), time.Now())
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	cmd.Flags().BoolVar(&jobLogs, "job-logs", false, "Also read per-job debug logs")
	cmd.Flags().DurationVar(&since, "since", 0, "Only analyze entries newer than this (e.g. 24h)")
	return cmd
}

func renderLogReport(out io.Writer, report *logs.Report, colorize bool, now time.Time) {
	printSection(out, "Logs", colorize)
	if len(report.Files) == 0 {
		fmt.Fprintln(out, "No log files found")
		return
	}
	fmt.Fprintf(out, "Files:    %s\n", strings.Join(report.Files, ", "))
	fmt.Fprintf(out, "Entries:  %s (%s unparsed lines)\n", humanize.Comma(int64(report.Entries)), humanize.Comma(int64(report.Unparsed)))
	if report.From != nil && report.To != nil {
		fmt.Fprintf(out, "Span:     %s to %s\n", report.From.Local().Format(time.DateTime), report.To.Local().Format(time.DateTime))
	}
	fmt.Fprintf(out, "Levels:   %d error, %d warn, %d info, %d debug\n",
		report.Levels["error"], report.Levels["warn"], report.Levels["info"], report.Levels["debug"])
	fmt.Fprintln(out)

	printSection(out, "Failures", colorize)
	if len(report.Failures) == 0 {
		fmt.Fprintln(out, "No failures recorded")
	} else {
		rows := make([][]string, 0, len(report.Failures))
		for _, group := range report.Failures {
			last := "-"
			if !group.LastSeen.IsZero() {
				last = humanize.RelTime(group.LastSeen, now, "ago", "from now")
			}
			rows = append(rows, []string{
				group.Stage,
				group.ErrorKind,
				group.EventType,
				fmt.Sprintf("%d", group.Count),
				last,
				strings.Join(group.Hints, "; "),
			})
		}
		fmt.Fprint(out, renderTable(
			[]string{"Stage", "Kind", "Event", "Count", "Last Seen", "Hint"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		))
		fmt.Fprintln(out)
		if hours := formatHourBuckets(report.FailuresByHour); hours != "" {
			fmt.Fprintf(out, "By hour:  %s\n", hours)
		}
	}
	for _, pattern := range report.Patterns {
		fmt.Fprintf(out, "Pattern:  %s (%s)\n", pattern.Detail, pattern.Kind)
	}

	if report.Queue == nil {
		return
	}
	fmt.Fprintln(out)
	printSection(out, "Jobs", colorize)
	fmt.Fprintf(out, "Queue:    %d jobs, %.0f%% completed\n", report.Queue.Total, report.Queue.SuccessRate)
	if len(report.Jobs) > 0 {
		rows := make([][]string, 0, len(report.Jobs))
		for _, finding := range report.Jobs {
			source := ""
			if finding.Source != "" {
				source = filepath.Base(finding.Source)
			}
			rows = append(rows, []string{
				finding.JobID,
				fmt.Sprintf("%d", finding.Failures),
				valueOrDash(finding.Status),
				valueOrDash(source),
				finding.Note,
			})
		}
		fmt.Fprint(out, renderTable(
			[]string{"Job", "Failures", "Status", "Source", "Note"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
		))
		fmt.Fprintln(out)
	}
	for _, missing := range report.MissingOutputs {
		fmt.Fprintf(out, "Missing:  %s %s\n", missing.JobID, missing.Note)
	}
}

func formatHourBuckets(buckets map[string]int) string {
	hours := make([]string, 0, len(buckets))
	for hour := range buckets {
		hours = append(hours, hour)
	}
	sort.Strings(hours)
	parts := make([]string, 0, len(hours))
	for _, hour := range hours {
		parts = append(parts, fmt.Sprintf("%s:00=%d", hour, buckets[hour]))
	}
	return strings.Join(parts, " ")
}

// tailLocalLog reads log files directly when the daemon is down.
func tailLocalLog(cmd *cobra.Command, ctx *commandContext, jobRef string, lines int, filter string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	path := cfg.DaemonLogPath()
	if jobRef != "" {
		store, err := queue.Open(cfg)
		if err != nil {
			return err
		}
		job, err := store.Resolve(cmd.Context(), jobRef)
		_ = store.Close()
		if err != nil {
			return err
		}
		path = cfg.JobLogPath(job.ID)
	}
	result, err := logs.Tail(cmd.Context(), path, logs.Options{Offset: -1, Limit: lines, Filter: filter})
	if err != nil {
		return err
	}
	printLines(cmd.OutOrStdout(), result.Lines)
	return nil
}

func printLines(out io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
}
