package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"reel/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.InboxDir = filepath.Join(base, "inbox")
	cfgVal.Paths.SocketPath = filepath.Join(base, "reel.sock")
	cfgVal.Workflow.RetryBackoffMillis = 1
	cfgVal.Workflow.RetryBackoffMax = 5
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithWorkerSlots overrides the engine concurrency.
func WithWorkerSlots(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.WorkerSlots = n
	}
}

// WithSinglePass trims the progressive pass list to one pass.
func WithSinglePass() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Passes = b.cfg.Pipeline.Passes[:1]
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. Each stub prints stdout and exits 0.
func WithStubbedBinaries(stubs map[string]string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		for name, stdout := range stubs {
			script := "#!/bin/sh\ncat <<'STUB'\n" + stdout + "\nSTUB\n"
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
