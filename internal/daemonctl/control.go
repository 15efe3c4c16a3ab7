package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reel/internal/api"
	"reel/internal/config"
	"reel/internal/ipc"
	"reel/internal/queue"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
	StartStateRequested      StartState = "start_requested"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	Message  string
}

// Launch starts a detached reel daemon process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon", "run"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon when no process answers on the socket,
// then asks it to process jobs.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(socketPath)
	launched := false
	if err != nil {
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(socketPath, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	statusResp, statusErr := client.Status()
	if statusErr == nil && statusResp != nil && statusResp.Running {
		if launched {
			return StartResult{State: StartStateStarted, Launched: true}, nil
		}
		return StartResult{State: StartStateAlreadyRunning}, nil
	}

	resp, err := client.Start()
	if err != nil {
		return StartResult{}, err
	}

	if resp != nil {
		message := strings.TrimSpace(resp.Message)
		if resp.Started {
			return StartResult{State: StartStateStarted, Launched: launched, Message: message}, nil
		}
		if strings.EqualFold(message, "daemon already running") {
			if launched {
				return StartResult{State: StartStateStarted, Launched: true, Message: message}, nil
			}
			return StartResult{State: StartStateAlreadyRunning, Message: message}, nil
		}
		if message != "" {
			return StartResult{State: StartStateRequested, Launched: launched, Message: message}, nil
		}
	}

	return StartResult{State: StartStateRequested, Launched: launched, Message: "Start request sent"}, nil
}

// WaitForShutdown waits until nothing answers on the daemon socket.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		_ = client.Close()
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, statusErr := client.Status()
	if statusErr != nil {
		return true, 0, statusErr
	}
	pid := 0
	if status != nil {
		pid = status.PID
	}
	return true, pid, nil
}

// ForceKillProcess sends SIGKILL to daemon process and cleans pid/lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	data, err := os.ReadFile(pidPath)
	if err == nil {
		pidStr := strings.TrimSpace(string(data))
		if pidStr != "" {
			if parsed, parseErr := strconv.Atoi(pidStr); parseErr == nil && parsed > 0 {
				pid = parsed
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	ShutdownAcknowledged bool
	ForcedKill           bool
	PID                  int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StopAndTerminate asks the daemon process to exit and force-kills it if it
// still answers after gracePeriod.
func StopAndTerminate(cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	socketPath := cfg.Paths.SocketPath
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if statusResp, statusErr := client.Status(); statusErr == nil && statusResp != nil {
		pid = statusResp.PID
	}
	resp, err := client.Shutdown()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid}
	if resp != nil {
		result.ShutdownAcknowledged = resp.Accepted
	}

	if WaitForShutdown(socketPath, gracePeriod) == nil {
		return result, nil
	}
	alive, livePID, aliveErr := ProcessInfo(socketPath)
	if aliveErr != nil || !alive {
		return result, nil
	}

	currentPID := livePID
	if currentPID == 0 {
		currentPID = pid
	}
	killedPID, killErr := ForceKillProcess(cfg.PIDPath(), cfg.LockPath(), currentPID)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(cfg *config.Config, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(cfg, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(cfg.Paths.SocketPath, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// Snapshot is the status view rendered by `reel daemon status`.
type Snapshot struct {
	// Reachable is true when a daemon process answered on the socket.
	Reachable         bool
	Status            api.DaemonStatus
	QueueStats        map[string]int
	Dependencies      []Dependency
	DependencySummary DependencySummary
}

// BuildStatusSnapshot collects daemon status, reading queue counts from the
// database directly when no daemon answers.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &Snapshot{}

	client, err := ipc.Dial(cfg.Paths.SocketPath)
	if err == nil {
		defer client.Close()
		if resp, statusErr := client.Status(); statusErr == nil && resp != nil {
			snap.Reachable = true
			snap.Status = resp.DaemonStatus
		}
	}
	snap.QueueStats = snap.Status.Engine.QueueStats

	if !snap.Reachable {
		snap.Status.QueueDBPath = cfg.QueueDBPath()
		snap.Status.LockFilePath = cfg.LockPath()
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if store, openErr := queue.Open(cfg); openErr == nil {
			stats, statsErr := store.Stats(queryCtx)
			_ = store.Close()
			if statsErr == nil {
				snap.QueueStats = api.MergeQueueStats(stats)
			}
		}
	}
	if snap.QueueStats == nil {
		snap.QueueStats = api.MergeQueueStats(nil)
	}

	snap.Dependencies = ResolveDependencies(cfg)
	snap.DependencySummary = BuildDependencySummary(snap.Dependencies)
	return snap, nil
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
