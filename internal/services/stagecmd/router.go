package stagecmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/queue"
	"reel/internal/services"
)

// Router asks an external command for a skip plan. The command receives the
// job features as JSON on stdin and prints {"skip":[...],"confidence":x}.
type Router struct {
	command string
	args    []string
	timeout time.Duration
}

// NewRouter returns a router for the configured command, or nil when routing
// is disabled.
func NewRouter(cfg config.Routing) *Router {
	if !cfg.Enabled || strings.TrimSpace(cfg.Command) == "" {
		return nil
	}
	return &Router{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// Predict implements inference.Router.
func (r *Router) Predict(ctx context.Context, features inference.Features) (queue.SkipPlan, error) {
	input, err := json.Marshal(features)
	if err != nil {
		return queue.SkipPlan{}, fmt.Errorf("encode features: %w", err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, r.command, r.args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return queue.SkipPlan{}, services.Wrap(services.ErrTimeout, "routing", "predict", "router timed out", err)
		}
		detail := strings.TrimSpace(stderr.String())
		return queue.SkipPlan{}, services.Wrap(services.ErrExternalTool, "routing", "predict", fmt.Sprintf("router failed: %s", detail), err)
	}
	var plan queue.SkipPlan
	if err := json.Unmarshal(stdout.Bytes(), &plan); err != nil {
		return queue.SkipPlan{}, services.Wrap(services.ErrExternalTool, "routing", "predict", "router printed malformed plan", err)
	}
	plan.Source = "router"
	return plan, nil
}
