package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RetentionTarget is a directory of log files subject to pruning. Keep lists
// files that must survive regardless of age, such as the log currently
// being written.
type RetentionTarget struct {
	Dir     string
	Pattern string
	Keep    []string
}

// CleanupOldLogs deletes log files older than retentionDays from each target
// and returns how many were removed. Zero or negative retention keeps
// everything.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	pruned := 0
	for _, target := range targets {
		pruned += pruneTarget(logger, target, cutoff)
	}
	if pruned > 0 && logger != nil {
		logger.Info("old logs pruned",
			String(FieldEventType, "log_pruned"),
			Int("files", pruned),
			Int("retention_days", retentionDays))
	}
	return pruned
}

func pruneTarget(logger *slog.Logger, target RetentionTarget, cutoff time.Time) int {
	dir := strings.TrimSpace(target.Dir)
	if dir == "" {
		return 0
	}
	pattern := strings.TrimSpace(target.Pattern)
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}
	keep := make(map[string]bool, len(target.Keep))
	for _, path := range target.Keep {
		keep[filepath.Clean(path)] = true
	}

	pruned := 0
	for _, path := range matches {
		if keep[filepath.Clean(path)] {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		pruned++
	}
	return pruned
}
