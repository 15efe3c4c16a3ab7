package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeRunner()
	c.normalizeNotifications()
	c.normalizeWatch()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.InboxDir, err = expandPath(strings.TrimSpace(c.Paths.InboxDir)); err != nil {
		return fmt.Errorf("paths.inbox_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = filepath.Join(c.Paths.DataDir, "reel.sock")
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	for i := range c.Pipeline.Passes {
		pass := &c.Pipeline.Passes[i]
		pass.Name = strings.ToLower(strings.TrimSpace(pass.Name))
		pass.Model = strings.TrimSpace(pass.Model)
		if pass.Name == "" {
			pass.Name = fmt.Sprintf("pass-%d", i+1)
		}
	}
	for _, stage := range []*StageModel{&c.Pipeline.Diarization, &c.Pipeline.Entities, &c.Pipeline.CrossReference, &c.Pipeline.Refinement} {
		stage.Model = strings.TrimSpace(stage.Model)
	}
}

func (c *Config) normalizeRunner() {
	c.Runner.Command = strings.TrimSpace(c.Runner.Command)
	if c.Runner.Command == "" {
		if value, ok := os.LookupEnv("REEL_RUNNER"); ok {
			c.Runner.Command = strings.TrimSpace(value)
		}
	}
	c.Routing.Command = strings.TrimSpace(c.Routing.Command)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("REEL_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.BufferSize <= 0 {
		c.Notifications.BufferSize = defaultNotifyBufferSize
	}
}

func (c *Config) normalizeWatch() {
	exts := make([]string, 0, len(c.Watch.Extensions))
	seen := make(map[string]struct{}, len(c.Watch.Extensions))
	for _, ext := range c.Watch.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		exts = append(exts, ext)
	}
	c.Watch.Extensions = exts
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
		c.Logging.Format = "json"
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
	if len(c.Logging.StageOverrides) > 0 {
		overrides := make(map[string]string, len(c.Logging.StageOverrides))
		for stage, lvl := range c.Logging.StageOverrides {
			overrides[strings.ToLower(strings.TrimSpace(stage))] = strings.ToLower(strings.TrimSpace(lvl))
		}
		c.Logging.StageOverrides = overrides
	}
}
