package logging_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reel/internal/logging"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestCleanupOldLogsPrunesOnlyExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	fresh := filepath.Join(dir, "fresh.log")
	active := filepath.Join(dir, "reeld.log")
	other := filepath.Join(dir, "notes.txt")
	writeAged(t, old, 72*time.Hour)
	writeAged(t, fresh, time.Hour)
	writeAged(t, active, 72*time.Hour)
	writeAged(t, other, 72*time.Hour)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	pruned := logging.CleanupOldLogs(logger, 1, logging.RetentionTarget{Dir: dir, Pattern: "*.log", Keep: []string{active}})
	if pruned != 1 {
		t.Fatalf("expected 1 pruned file, got %d", pruned)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, stat err=%v", old, err)
	}
	for _, path := range []string{fresh, active, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
	if !strings.Contains(buf.String(), `"event_type":"log_pruned"`) {
		t.Fatalf("expected prune summary in log, got %s", buf.String())
	}
}

func TestCleanupOldLogsDisabledKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	writeAged(t, old, 365*24*time.Hour)

	if pruned := logging.CleanupOldLogs(logging.NewNop(), 0, logging.RetentionTarget{Dir: dir, Pattern: "*.log"}); pruned != 0 {
		t.Fatalf("expected no pruning when retention is disabled, got %d", pruned)
	}
	if _, err := os.Stat(old); err != nil {
		t.Fatalf("expected file kept: %v", err)
	}
}
