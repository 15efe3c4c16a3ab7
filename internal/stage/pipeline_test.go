package stage_test

import (
	"errors"
	"testing"

	"reel/internal/checkpoint"
	"reel/internal/services"
	"reel/internal/stage"
)

func fullPipeline(t *testing.T) *stage.Pipeline {
	t.Helper()
	p, err := stage.NewPipeline(
		stage.Descriptor{Name: "draft", Kind: stage.KindTranscribe, Provides: stage.CapTranscript, Checkpointed: true, ModelKind: "asr"},
		stage.Descriptor{Name: "refined", Kind: stage.KindTranscribe, Provides: stage.CapTranscript, Skippable: true, Checkpointed: true, ModelKind: "asr"},
		stage.Descriptor{Name: "diarize", Kind: stage.KindDiarize, Requires: []stage.Capability{stage.CapTranscript}, Provides: stage.CapSpeakers, Skippable: true, Checkpointed: true},
		stage.Descriptor{Name: "entities", Kind: stage.KindEntities, Requires: []stage.Capability{stage.CapSpeakers}, Provides: stage.CapCandidates, Skippable: true, Checkpointed: true},
		stage.Descriptor{Name: "crossref", Kind: stage.KindCrossRef, Requires: []stage.Capability{stage.CapCandidates}, Provides: stage.CapIdentities, Skippable: true, Checkpointed: true},
		stage.Descriptor{Name: "refine", Kind: stage.KindRefine, Requires: []stage.Capability{stage.CapTranscript, stage.CapSpeakers, stage.CapCandidates, stage.CapIdentities}, Provides: stage.CapRefined, Skippable: true},
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	return p
}

func TestNewPipelineRejectsUnsatisfiableOrder(t *testing.T) {
	transcribe := stage.Descriptor{Name: "draft", Provides: stage.CapTranscript}
	cases := []struct {
		name   string
		stages []stage.Descriptor
	}{
		{"empty", nil},
		{"first not transcript", []stage.Descriptor{{Name: "diarize", Provides: stage.CapSpeakers}}},
		{"first skippable", []stage.Descriptor{{Name: "draft", Provides: stage.CapTranscript, Skippable: true}}},
		{"duplicate name", []stage.Descriptor{transcribe, {Name: "draft", Provides: stage.CapTranscript}}},
		{"missing requirement", []stage.Descriptor{transcribe, {Name: "entities", Requires: []stage.Capability{stage.CapSpeakers}, Provides: stage.CapCandidates}}},
		{"no provides", []stage.Descriptor{transcribe, {Name: "noop"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := stage.NewPipeline(tc.stages...); !errors.Is(err, services.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestValidateSkipPlan(t *testing.T) {
	p := fullPipeline(t)
	cases := []struct {
		name string
		from int
		skip []string
		ok   bool
	}{
		{"empty plan", 0, nil, true},
		{"skip second pass", 0, []string{"refined"}, true},
		{"skip tail", 0, []string{"crossref", "refine"}, true},
		{"skip refine only", 2, []string{"refine"}, true},
		{"unknown stage", 0, []string{"subtitles"}, false},
		{"first stage not skippable", 0, []string{"draft"}, false},
		{"already ran", 3, []string{"refined"}, false},
		{"breaks dependency", 0, []string{"diarize"}, false},
		{"breaks refine inputs", 0, []string{"crossref"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.ValidateSkipPlan(tc.from, tc.skip)
			if tc.ok && err != nil {
				t.Fatalf("expected plan to be valid: %v", err)
			}
			if !tc.ok && !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestResumePointMatchesLastCommit(t *testing.T) {
	p := fullPipeline(t)

	stageIndex, cursor := p.ResumePoint(nil, 2)
	if stageIndex != 2 || cursor != 0 {
		t.Fatalf("ResumePoint(nil) = %d,%d; want 2,0", stageIndex, cursor)
	}

	rec := &checkpoint.Record{StageIndex: 1, StageName: "refined", Cursor: 6}
	stageIndex, cursor = p.ResumePoint(rec, 0)
	if stageIndex != 1 || cursor != 6 {
		t.Fatalf("ResumePoint(record) = %d,%d; want 1,6", stageIndex, cursor)
	}

	done := &checkpoint.Record{StageIndex: p.Len()}
	if stageIndex, _ = p.ResumePoint(done, 0); stageIndex != p.Len() {
		t.Fatalf("completed record should resume past the last stage, got %d", stageIndex)
	}
}

func TestProviderPrefersLatestCompletedPass(t *testing.T) {
	p := fullPipeline(t)
	outputs := map[string]string{"draft": "artifacts/draft.json", "refined": "artifacts/refined.json"}
	if i, ok := p.Provider(stage.CapTranscript, 2, outputs); !ok || i != 1 {
		t.Fatalf("Provider = %d,%v; want 1,true", i, ok)
	}
	delete(outputs, "refined")
	if i, ok := p.Provider(stage.CapTranscript, 2, outputs); !ok || i != 0 {
		t.Fatalf("Provider after skip = %d,%v; want 0,true", i, ok)
	}
	if _, ok := p.Provider(stage.CapIdentities, 5, outputs); ok {
		t.Fatal("no provider expected for identities")
	}
}

func TestDescriptorFingerprintTracksConfig(t *testing.T) {
	a := stage.Descriptor{Name: "draft", Kind: stage.KindTranscribe, ModelKind: "asr", ModelConfig: map[string]any{"size": "small"}}
	b := a
	b.ModelConfig = map[string]any{"size": "large"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changing model config must change the stage fingerprint")
	}
	if a.Fingerprint() != (stage.Descriptor{Name: "draft", Kind: stage.KindTranscribe, ModelKind: "asr", ModelConfig: map[string]any{"size": "small"}}).Fingerprint() {
		t.Fatal("fingerprint must be deterministic")
	}
}

func TestDependentsListsConsumersOfStageOutput(t *testing.T) {
	p := fullPipeline(t)
	cases := []struct {
		stage int
		want  []string
	}{
		{0, []string{"diarize", "refine"}},
		{2, []string{"entities", "refine"}},
		{5, nil},
	}
	for _, tc := range cases {
		got := p.Dependents(tc.stage)
		if len(got) != len(tc.want) {
			t.Fatalf("Dependents(%d) = %v, want %v", tc.stage, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Dependents(%d) = %v, want %v", tc.stage, got, tc.want)
			}
		}
	}
}
