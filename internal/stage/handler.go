package stage

import (
	"context"
	"encoding/json"
	"log/slog"

	"reel/internal/inference"
	"reel/internal/modelcache"
	"reel/internal/queue"
)

// Handler implements one stage kind. The engine calls Prepare once per
// attempt, RunUnit for every unit past the resume cursor, and Finalize with
// the outputs of all units in order.
type Handler interface {
	Descriptor() Descriptor
	// Prepare returns the number of units the stage will run.
	Prepare(ctx context.Context, env *Env) (int, error)
	RunUnit(ctx context.Context, env *Env, unit int) (json.RawMessage, error)
	Finalize(ctx context.Context, env *Env, units []json.RawMessage) (json.RawMessage, error)
	HealthCheck(ctx context.Context, w Wiring) Health
}

// FallbackHandler is implemented by stages that can substitute an earlier
// stage's output for a unit that still fails after its retries.
type FallbackHandler interface {
	FallbackUnit(ctx context.Context, env *Env, unit int, cause error) (json.RawMessage, bool)
}

// Env carries the per-job inputs a handler works from.
type Env struct {
	Job        *queue.Job
	StageIndex int
	Model      *modelcache.Handle
	Runner     inference.Runner
	Identities inference.IdentityStore
	Logger     *slog.Logger
	// Inputs maps each capability to the output of its latest completed
	// provider.
	Inputs map[Capability]json.RawMessage
	// Outputs holds completed stage outputs keyed by stage name.
	Outputs map[string]json.RawMessage
	// Previous is the output of the most recent completed stage providing
	// the same capability as this one, if any.
	Previous json.RawMessage
	// State holds what a handler derives once per stage attempt, usually
	// in Prepare, so units do not redo it.
	State any
}

// Input decodes the output providing c into v.
func (e *Env) Input(c Capability, v any) error {
	raw, ok := e.Inputs[c]
	if !ok {
		return missingInput(c)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return decodeInput(c, err)
	}
	return nil
}

// Call runs one unit request on the handle's model through the runner. A
// stage without a model calls the runner with a nil instance.
func (e *Env) Call(ctx context.Context, req inference.UnitRequest) (json.RawMessage, error) {
	if e.Job != nil {
		req.JobID = e.Job.ID
		req.InputRef = e.Job.SourcePath
	}
	if e.Model == nil {
		return e.Runner.RunUnit(ctx, req, nil)
	}
	var out json.RawMessage
	err := e.Model.Use(ctx, func(ctx context.Context, inst modelcache.Instance) error {
		var callErr error
		out, callErr = e.Runner.RunUnit(ctx, req, inst)
		return callErr
	})
	return out, err
}
