package stage

import (
	"reel/internal/modelcache"
)

// Capability names a data product a stage provides to later stages.
type Capability string

const (
	CapTranscript Capability = "transcript"
	CapSpeakers   Capability = "speakers"
	CapCandidates Capability = "candidates"
	CapIdentities Capability = "identities"
	CapRefined    Capability = "refined"
)

// Kind selects the handler implementation for a stage.
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindDiarize    Kind = "diarize"
	KindEntities   Kind = "entities"
	KindCrossRef   Kind = "crossref"
	KindRefine     Kind = "refine"
)

// Descriptor is the static definition of one pipeline stage.
type Descriptor struct {
	Name     string
	Kind     Kind
	Requires []Capability
	Provides Capability
	// Skippable stages may be omitted by a routing decision.
	Skippable bool
	// Checkpointed stages commit a record after every unit. Others run as a
	// single unit and are retried wholesale.
	Checkpointed bool
	// ModelKind is the model cache kind the stage acquires; empty for none.
	ModelKind   string
	ModelConfig map[string]any
	// Fallback lets a transcription pass reuse the previous pass output for
	// units it cannot complete after exhausting retries.
	Fallback bool
}

// Fingerprint identifies the stage configuration. A checkpoint taken under a
// different fingerprint cannot be resumed mid-stage.
func (d Descriptor) Fingerprint() string {
	return modelcache.Fingerprint(string(d.Kind)+"/"+d.Name, map[string]any{
		"model":    d.ModelKind,
		"config":   d.ModelConfig,
		"fallback": d.Fallback,
	})
}

// NeedsModel reports whether the stage acquires a cached model.
func (d Descriptor) NeedsModel() bool {
	return d.ModelKind != ""
}

func (d Descriptor) requires(c Capability) bool {
	for _, r := range d.Requires {
		if r == c {
			return true
		}
	}
	return false
}
