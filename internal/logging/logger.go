package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"reel/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	OutputPaths []string
	Development bool
	// Color forces ANSI level colours on console output. When false, colours
	// are enabled only if stdout is a terminal.
	Color bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	handler, _, err := newHandler(opts, ParseLevel(opts.Level))
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(opts Options, level slog.Level) (slog.Handler, *slog.LevelVar, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	paths := opts.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}
	outputWriter, toTerminal, err := openWriters(paths)
	if err != nil {
		return nil, nil, err
	}

	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	switch format {
	case "json":
		return newJSONHandler(outputWriter, levelVar, addSource), levelVar, nil
	case "console":
		return newPrettyHandler(outputWriter, levelVar, addSource, opts.Color || toTerminal), levelVar, nil
	default:
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewFromConfig creates a logger using application config defaults. Output
// goes to stdout and, when a log directory is configured, to reeld.log.
//
// Stage overrides more verbose than the global level lower the handler
// threshold; the returned logger still filters at the global level until
// ForStage re-scopes it.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console"})
	}

	outputPaths := []string{"stdout"}
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		outputPaths = append(outputPaths, cfg.DaemonLogPath())
	}

	global := ParseLevel(cfg.Logging.Level)
	floor := global
	for _, lvl := range cfg.Logging.StageOverrides {
		if parsed := ParseLevel(lvl); parsed < floor {
			floor = parsed
		}
	}

	handler, _, err := newHandler(Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputPaths,
	}, floor)
	if err != nil {
		return nil, err
	}
	if floor == global {
		return slog.New(handler), nil
	}
	return slog.New(newLevelOverrideHandler(handler, global)), nil
}

// ForStage returns a logger tagged with the stage name and filtered at the
// stage's configured override level, if any.
func ForStage(logger *slog.Logger, cfg *config.Config, stage string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	scoped := logger.With(String(FieldStage, stage))
	if cfg == nil {
		return scoped
	}
	lvl, ok := cfg.Logging.StageOverrides[strings.ToLower(stage)]
	if !ok {
		return scoped
	}
	return WithLevelOverride(scoped, ParseLevel(lvl))
}

// ParseLevel maps a configured level name onto a slog level. Unknown values
// default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openWriters(outputPaths []string) (io.Writer, bool, error) {
	seen := map[string]struct{}{}
	var writers []io.Writer
	toTerminal := false

	for _, path := range outputPaths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
			toTerminal = toTerminal || isatty.IsTerminal(os.Stdout.Fd())
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := ensureLogDir(trimmed); err != nil {
				return nil, false, err
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, false, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
		}
	}

	switch len(writers) {
	case 0:
		return os.Stdout, false, nil
	case 1:
		return writers[0], toTerminal, nil
	default:
		// Colour codes would leak into the log file.
		return io.MultiWriter(writers...), false, nil
	}
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
