package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"reel/internal/config"
	"reel/internal/daemon"
	"reel/internal/deps"
	"reel/internal/inference"
	"reel/internal/ipc"
	"reel/internal/logging"
	"reel/internal/services/stagecmd"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Paused starts the daemon with job processing halted; clients resume
	// it with `reel daemon start`.
	Paused bool
}

// Run starts the reel daemon and blocks until a signal or a remote shutdown.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: filepath.Join(cfg.Paths.LogDir, "jobs"), Pattern: "*.log"},
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "*.log", Keep: []string{cfg.DaemonLogPath()}},
	)
	logDependencySnapshot(logger, cfg)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	daemonDeps := daemon.Deps{
		Runner:     stagecmd.NewRunner(),
		Loader:     stagecmd.NewLoader(cfg.Runner, logger),
		ModelCheck: deps.ModelCheck(cfg),
	}
	if router := stagecmd.NewRouter(cfg.Routing); router != nil {
		daemonDeps.Router = inference.Router(router)
	}
	d, err := daemon.New(cfg, logger, daemonDeps)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	shutdownCtx, shutdown := context.WithCancel(signalCtx)
	defer shutdown()

	ipcServer, err := ipc.NewServer(shutdownCtx, cfg.Paths.SocketPath, d, logger, shutdown)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if !opts.Paused {
		if err := d.Start(shutdownCtx); err != nil {
			logger.Warn("daemon start failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "daemon_start_failed"),
				logging.String(logging.FieldErrorHint, "check for another reeld instance and queue database access"),
				logging.String(logging.FieldImpact, "jobs are not processed until `reel daemon start` succeeds"),
			)
		}
	}

	<-shutdownCtx.Done()
	logger.Info("reel daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
		logging.Bool("signal", signalCtx.Err() != nil))
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []any{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("routing_enabled", cfg.Routing.Enabled),
		logging.Bool("notifications_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.Int("worker_slots", max(cfg.Queue.WorkerSlots, 1)),
	}
	var missing []string
	for _, status := range deps.CheckBinaries(deps.Requirements(cfg)) {
		key := strings.ToLower(strings.ReplaceAll(status.Name, " ", "_"))
		attrs = append(attrs,
			logging.String(key+"_command", status.Command),
			logging.Bool(key+"_available", status.Available))
		if !status.Available && !status.Optional {
			missing = append(missing, status.Name)
		}
	}
	logger.Info("dependency snapshot", attrs...)
	if len(missing) > 0 {
		logging.WarnWithContext(logger, "required binaries missing", "dependency_missing",
			logging.String("missing", strings.Join(missing, ", ")),
			logging.String(logging.FieldImpact, "jobs fail at admission or at their first stage"),
			logging.String(logging.FieldErrorHint, "install the binaries or fix runner.command and runner.ffprobe_binary"))
	}
}
