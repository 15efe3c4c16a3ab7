package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	InboxDir   string `toml:"inbox_dir"`
	SocketPath string `toml:"socket_path"`
}

// Queue contains admission and scheduling settings.
type Queue struct {
	WorkerSlots     int `toml:"worker_slots"`
	DefaultPriority int `toml:"default_priority"`
}

// Workflow contains configuration for engine timing, heartbeats, and retries.
type Workflow struct {
	QueuePollInterval  int  `toml:"queue_poll_interval"`
	ErrorRetryInterval int  `toml:"error_retry_interval"`
	HeartbeatInterval  int  `toml:"heartbeat_interval"`
	HeartbeatTimeout   int  `toml:"heartbeat_timeout"`
	UnitRetries        int  `toml:"unit_retries"`
	StageRetries       int  `toml:"stage_retries"`
	RetryBackoffMillis int  `toml:"retry_backoff_ms"`
	RetryBackoffMax    int  `toml:"retry_backoff_max_ms"`
	PassFallback       bool `toml:"pass_fallback"`
}

// Pass describes one progressive transcription pass. Passes run in the order
// listed, each with a stronger (more expensive) model configuration.
type Pass struct {
	Name    string         `toml:"name"`
	Model   string         `toml:"model"`
	Options map[string]any `toml:"options"`
}

// StageModel binds an enrichment stage to a model kind and its options.
type StageModel struct {
	Enabled bool           `toml:"enabled"`
	Model   string         `toml:"model"`
	Options map[string]any `toml:"options"`
}

// Pipeline contains the stage sequence configuration.
type Pipeline struct {
	SegmentSeconds int        `toml:"segment_seconds"`
	Passes         []Pass     `toml:"passes"`
	Diarization    StageModel `toml:"diarization"`
	Entities       StageModel `toml:"entities"`
	CrossReference StageModel `toml:"cross_reference"`
	Refinement     StageModel `toml:"refinement"`
}

// Routing contains settings for the optional stage-skip predictor.
type Routing struct {
	Enabled             bool     `toml:"enabled"`
	Command             string   `toml:"command"`
	Args                []string `toml:"args"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	TimeoutSeconds      int      `toml:"timeout_seconds"`
}

// Models contains model cache budget settings.
type Models struct {
	BudgetMiB        int     `toml:"budget_mib"`
	BudgetRAMPercent int     `toml:"budget_ram_percent"`
	MinFreeRatio     float64 `toml:"min_free_ratio"`
	DefaultSizeMiB   int     `toml:"default_size_mib"`
}

// Runner contains the external inference worker command.
type Runner struct {
	Command            string   `toml:"command"`
	Args               []string `toml:"args"`
	CallTimeoutSeconds int      `toml:"call_timeout_seconds"`
	FFprobeBinary      string   `toml:"ffprobe_binary"`
}

// Identity contains cross-reference matching settings.
type Identity struct {
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	Learn               bool    `toml:"learn"`
	LearnConfidence     float64 `toml:"learn_confidence"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	BufferSize     int    `toml:"buffer_size"`
	Progress       bool   `toml:"progress"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Metrics contains the Prometheus endpoint configuration.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Watch contains inbox folder monitoring settings.
type Watch struct {
	Enabled    bool     `toml:"enabled"`
	Extensions []string `toml:"extensions"`
	SettleMS   int      `toml:"settle_ms"`
}

// Config encapsulates all configuration values for reel.
//
// Configuration sections by subsystem:
//   - Paths: data, logs, inbox and control socket
//   - Queue: worker slots and admission defaults
//   - Workflow: polling, heartbeats, retries and backoff
//   - Pipeline: segment length, progressive passes and enrichment stages
//   - Routing: optional stage-skip predictor
//   - Models: model cache memory budget
//   - Runner: external inference worker command
//   - Identity: cross-reference matching thresholds
//   - Notifications: ntfy progress sink
//   - Logging: log format, level and per-stage overrides
//   - Metrics: Prometheus endpoint
//   - Watch: inbox auto-submission
type Config struct {
	Paths         Paths         `toml:"paths"`
	Queue         Queue         `toml:"queue"`
	Workflow      Workflow      `toml:"workflow"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Routing       Routing       `toml:"routing"`
	Models        Models        `toml:"models"`
	Runner        Runner        `toml:"runner"`
	Identity      Identity      `toml:"identity"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Metrics       Metrics       `toml:"metrics"`
	Watch         Watch         `toml:"watch"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/reel/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("reel.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, c.JobsDir()}
	if c.Watch.Enabled && strings.TrimSpace(c.Paths.InboxDir) != "" {
		dirs = append(dirs, c.Paths.InboxDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath returns the SQLite job queue location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// IdentityDBPath returns the SQLite reference identity store location.
func (c *Config) IdentityDBPath() string {
	return filepath.Join(c.Paths.DataDir, "identities.db")
}

// JobsDir returns the root of the per-job checkpoint partitions.
func (c *Config) JobsDir() string {
	return filepath.Join(c.Paths.DataDir, "jobs")
}

// JobLogPath returns the per-job debug log location.
func (c *Config) JobLogPath(jobID string) string {
	return filepath.Join(c.Paths.LogDir, "jobs", jobID+".log")
}

// DaemonLogPath returns the daemon log file location.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Paths.LogDir, "reeld.log")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "reeld.lock")
}

// PIDPath returns the file holding the running daemon's process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "reeld.pid")
}

// PollInterval returns the queue poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.QueuePollInterval) * time.Second
}

// RetryBackoff returns the initial and maximum retry backoff.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Workflow.RetryBackoffMillis) * time.Millisecond,
		time.Duration(c.Workflow.RetryBackoffMax) * time.Millisecond
}

// FFprobeBinary returns the ffprobe executable used to size jobs at admission.
func (c *Config) FFprobeBinary() string {
	if bin := strings.TrimSpace(c.Runner.FFprobeBinary); bin != "" {
		return bin
	}
	return "ffprobe"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
