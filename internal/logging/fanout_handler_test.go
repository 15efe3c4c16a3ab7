package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFanoutHandlerCollapses(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler for all nil handlers")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newFanoutHandler(nil, inner, nil); h != inner {
		t.Fatal("expected single non-nil handler to be returned unwrapped")
	}
}

func TestFanoutHandlerRespectsLevels(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	info := slog.NewJSONHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	debug := slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(newFanoutHandler(info, debug)).With("job_id", "abc")

	logger.Debug("debug only")
	logger.Info("both")

	if strings.Contains(infoBuf.String(), "debug only") {
		t.Fatal("info handler received debug record")
	}
	if !strings.Contains(debugBuf.String(), "debug only") || !strings.Contains(debugBuf.String(), "both") {
		t.Fatalf("debug handler missing records: %q", debugBuf.String())
	}
	if !strings.Contains(infoBuf.String(), `"job_id":"abc"`) {
		t.Fatalf("expected WithAttrs to propagate, got %q", infoBuf.String())
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected fanout enabled when any handler accepts")
	}
}

func TestJobLogReceivesTeedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs", "abc", "job.log")
	jobLog, err := OpenJobLog(path)
	if err != nil {
		t.Fatalf("OpenJobLog: %v", err)
	}
	var base bytes.Buffer
	logger := jobLog.Attach(slog.New(slog.NewJSONHandler(&base, nil)))
	logger.Debug("unit started")
	logger.Info("unit committed")
	if err := jobLog.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	logger.Info("after close")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read job log: %v", err)
	}
	if !strings.Contains(string(data), "unit started") || !strings.Contains(string(data), "unit committed") {
		t.Fatalf("job log missing lines: %q", data)
	}
	if strings.Contains(base.String(), "unit started") {
		t.Fatal("base logger should still filter debug")
	}
	if !strings.Contains(base.String(), "after close") {
		t.Fatal("base logger should keep working after job log closes")
	}
}
