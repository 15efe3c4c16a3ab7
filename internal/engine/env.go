package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"reel/internal/services"
	"reel/internal/stage"
)

var allCapabilities = []stage.Capability{
	stage.CapTranscript,
	stage.CapSpeakers,
	stage.CapCandidates,
	stage.CapIdentities,
	stage.CapRefined,
}

// buildEnv resolves the inputs stage i reads: the output of the latest
// completed provider of every capability.
func (r *jobRun) buildEnv(ctx context.Context, i int, logger *slog.Logger) (*stage.Env, error) {
	e := r.e
	pipeline := e.set.Pipeline
	desc := pipeline.At(i)
	env := &stage.Env{
		Job:        r.job,
		StageIndex: i,
		Runner:     e.runner,
		Identities: e.identities,
		Logger:     logger,
		Inputs:     make(map[stage.Capability]json.RawMessage),
		Outputs:    make(map[string]json.RawMessage),
	}

	for _, c := range allCapabilities {
		p, ok := pipeline.Provider(c, i, r.outputs)
		if !ok {
			continue
		}
		raw, err := r.artifact(ctx, pipeline.At(p).Name)
		if err != nil {
			return nil, err
		}
		env.Inputs[c] = raw
		if c == desc.Provides {
			env.Previous = raw
		}
	}
	for _, req := range desc.Requires {
		if _, ok := env.Inputs[req]; !ok {
			return nil, services.Wrap(services.ErrValidation, desc.Name, "resolve inputs",
				fmt.Sprintf("no completed stage provides %s", req), nil)
		}
	}
	for _, name := range pipeline.Names()[:i] {
		if _, ok := r.outputs[name]; !ok {
			continue
		}
		raw, err := r.artifact(ctx, name)
		if err != nil {
			return nil, err
		}
		env.Outputs[name] = raw
	}
	return env, nil
}

// artifact loads a completed stage output, caching it for the rest of the run.
func (r *jobRun) artifact(ctx context.Context, name string) (json.RawMessage, error) {
	if raw, ok := r.artifacts[name]; ok {
		return raw, nil
	}
	ref, ok := r.outputs[name]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, name, "load output", "stage has no recorded output", nil)
	}
	raw, err := r.e.checkpoints.ReadArtifact(ctx, r.job.ID, ref)
	if err != nil {
		return nil, err
	}
	r.artifacts[name] = raw
	return raw, nil
}
