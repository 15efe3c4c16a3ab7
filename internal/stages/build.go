package stages

import (
	"fmt"
	"log/slog"

	"reel/internal/config"
	"reel/internal/stage"
)

// Stage names of the enrichment stages. Transcription passes take their
// configured pass names.
const (
	NameDiarization    = "diarization"
	NameEntities       = "entities"
	NameCrossReference = "crossref"
	NameRefinement     = "refinement"
)

// Set is a validated pipeline with a handler per stage.
type Set struct {
	Pipeline *stage.Pipeline
	handlers []stage.Handler
}

// Handler returns the handler for stage index i.
func (s *Set) Handler(i int) stage.Handler {
	return s.handlers[i]
}

// Handlers returns all handlers in pipeline order.
func (s *Set) Handlers() []stage.Handler {
	return append([]stage.Handler(nil), s.handlers...)
}

// NewSet validates handlers as a pipeline.
func NewSet(handlers ...stage.Handler) (*Set, error) {
	descriptors := make([]stage.Descriptor, len(handlers))
	for i, h := range handlers {
		descriptors[i] = h.Descriptor()
	}
	pipeline, err := stage.NewPipeline(descriptors...)
	if err != nil {
		return nil, err
	}
	return &Set{Pipeline: pipeline, handlers: handlers}, nil
}

// Build constructs the configured stage sequence: every transcription pass
// in order, then the enabled enrichment stages.
func Build(cfg *config.Config, logger *slog.Logger) (*Set, error) {
	if cfg == nil {
		return nil, fmt.Errorf("build stages: nil config")
	}
	p := cfg.Pipeline
	var handlers []stage.Handler

	for i, pass := range p.Passes {
		handlers = append(handlers, NewTranscriber(stage.Descriptor{
			Name:         pass.Name,
			Kind:         stage.KindTranscribe,
			Provides:     stage.CapTranscript,
			Skippable:    i > 0,
			Checkpointed: true,
			ModelKind:    pass.Model,
			ModelConfig:  pass.Options,
			Fallback:     i > 0 && cfg.Workflow.PassFallback,
		}, p.SegmentSeconds, logger))
	}
	if p.Diarization.Enabled {
		handlers = append(handlers, NewDiarizer(stage.Descriptor{
			Name:         NameDiarization,
			Kind:         stage.KindDiarize,
			Requires:     []stage.Capability{stage.CapTranscript},
			Provides:     stage.CapSpeakers,
			Skippable:    true,
			Checkpointed: true,
			ModelKind:    p.Diarization.Model,
			ModelConfig:  p.Diarization.Options,
		}, logger))
	}
	if p.Entities.Enabled {
		handlers = append(handlers, NewEntityExtractor(stage.Descriptor{
			Name:         NameEntities,
			Kind:         stage.KindEntities,
			Requires:     []stage.Capability{stage.CapSpeakers},
			Provides:     stage.CapCandidates,
			Skippable:    true,
			Checkpointed: true,
			ModelKind:    p.Entities.Model,
			ModelConfig:  p.Entities.Options,
		}, logger))
	}
	if p.CrossReference.Enabled {
		handlers = append(handlers, NewCrossReferencer(stage.Descriptor{
			Name:         NameCrossReference,
			Kind:         stage.KindCrossRef,
			Requires:     []stage.Capability{stage.CapCandidates},
			Provides:     stage.CapIdentities,
			Skippable:    true,
			Checkpointed: true,
			ModelKind:    p.CrossReference.Model,
			ModelConfig:  p.CrossReference.Options,
		}, cfg.Identity, logger))
	}
	if p.Refinement.Enabled {
		handlers = append(handlers, NewRefiner(stage.Descriptor{
			Name: NameRefinement,
			Kind: stage.KindRefine,
			Requires: []stage.Capability{
				stage.CapTranscript, stage.CapSpeakers, stage.CapCandidates, stage.CapIdentities,
			},
			Provides:    stage.CapRefined,
			Skippable:   true,
			ModelKind:   p.Refinement.Model,
			ModelConfig: p.Refinement.Options,
		}, logger))
	}
	return NewSet(handlers...)
}
