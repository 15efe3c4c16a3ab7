package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateRouting(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.WorkerSlots <= 0 {
		return errors.New("queue.worker_slots must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.retry_backoff_ms":     c.Workflow.RetryBackoffMillis,
		"workflow.retry_backoff_max_ms": c.Workflow.RetryBackoffMax,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.UnitRetries < 0 {
		return errors.New("workflow.unit_retries must not be negative")
	}
	if c.Workflow.StageRetries < 0 {
		return errors.New("workflow.stage_retries must not be negative")
	}
	if c.Workflow.RetryBackoffMax < c.Workflow.RetryBackoffMillis {
		return errors.New("workflow.retry_backoff_max_ms must be at least workflow.retry_backoff_ms")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.SegmentSeconds <= 0 {
		return errors.New("pipeline.segment_seconds must be positive")
	}
	if len(c.Pipeline.Passes) == 0 {
		return errors.New("pipeline.passes must define at least one transcription pass")
	}
	seen := make(map[string]struct{}, len(c.Pipeline.Passes))
	for i, pass := range c.Pipeline.Passes {
		if pass.Model == "" {
			return fmt.Errorf("pipeline.passes[%d].model must be set", i)
		}
		if _, ok := seen[pass.Name]; ok {
			return fmt.Errorf("pipeline.passes[%d].name %q is duplicated", i, pass.Name)
		}
		seen[pass.Name] = struct{}{}
	}
	stages := []struct {
		key   string
		stage StageModel
	}{
		{"pipeline.diarization", c.Pipeline.Diarization},
		{"pipeline.entities", c.Pipeline.Entities},
		{"pipeline.refinement", c.Pipeline.Refinement},
	}
	for _, s := range stages {
		if s.stage.Enabled && s.stage.Model == "" {
			return fmt.Errorf("%s.model must be set when %s.enabled is true", s.key, s.key)
		}
	}
	p := c.Pipeline
	if p.Entities.Enabled && !p.Diarization.Enabled {
		return errors.New("pipeline.entities requires pipeline.diarization")
	}
	if p.CrossReference.Enabled && !p.Entities.Enabled {
		return errors.New("pipeline.cross_reference requires pipeline.entities")
	}
	if p.Refinement.Enabled && !(p.Diarization.Enabled && p.Entities.Enabled && p.CrossReference.Enabled) {
		return errors.New("pipeline.refinement requires diarization, entities and cross_reference")
	}
	return nil
}

func (c *Config) validateRouting() error {
	if c.Routing.ConfidenceThreshold < 0 || c.Routing.ConfidenceThreshold > 1 {
		return errors.New("routing.confidence_threshold must be between 0 and 1")
	}
	if c.Routing.Enabled && strings.TrimSpace(c.Routing.Command) == "" {
		return errors.New("routing.command must be set when routing.enabled is true")
	}
	return nil
}

func (c *Config) validateModels() error {
	if c.Models.BudgetMiB < 0 {
		return errors.New("models.budget_mib must not be negative")
	}
	if c.Models.BudgetRAMPercent < 0 || c.Models.BudgetRAMPercent > 100 {
		return errors.New("models.budget_ram_percent must be between 0 and 100")
	}
	if c.Models.MinFreeRatio < 0 || c.Models.MinFreeRatio >= 1 {
		return errors.New("models.min_free_ratio must be in [0, 1)")
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if c.Identity.SimilarityThreshold <= 0 || c.Identity.SimilarityThreshold > 1 {
		return errors.New("identity.similarity_threshold must be in (0, 1]")
	}
	if c.Identity.LearnConfidence < 0 || c.Identity.LearnConfidence > 1 {
		return errors.New("identity.learn_confidence must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if !validLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	for stage, level := range c.Logging.StageOverrides {
		if !validLogLevel(level) {
			return fmt.Errorf("logging.stage_overrides.%s: unsupported value %q", stage, level)
		}
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
