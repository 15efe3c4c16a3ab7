package stagecmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/modelcache"
	"reel/internal/services"
)

// NewLoader returns a model cache loader that starts one worker per
// (kind, config) using the configured runner command.
func NewLoader(cfg config.Runner, logger *slog.Logger) modelcache.Loader {
	return func(ctx context.Context, kind string, options map[string]any) (modelcache.Instance, error) {
		return Start(ctx, Spec{
			Command:     cfg.Command,
			Args:        cfg.Args,
			Kind:        kind,
			Config:      options,
			CallTimeout: time.Duration(cfg.CallTimeoutSeconds) * time.Second,
			Logger:      logger,
		})
	}
}

// Runner dispatches unit requests to worker instances.
type Runner struct{}

// NewRunner returns a runner for worker-backed models.
func NewRunner() *Runner {
	return &Runner{}
}

// RunUnit implements inference.Runner.
func (r *Runner) RunUnit(ctx context.Context, req inference.UnitRequest, model modelcache.Instance) (json.RawMessage, error) {
	worker, ok := model.(*Worker)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, req.Stage, "run unit",
			fmt.Sprintf("stage %s has no worker model (got %T)", req.Stage, model), nil)
	}
	return worker.Call(ctx, req)
}
