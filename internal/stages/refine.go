package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/services"
	"reel/internal/stage"
)

// Refiner produces the final speaker-attributed transcript. It runs as a
// single unit and is not checkpointed mid-stage.
type Refiner struct {
	base
}

// NewRefiner builds the context refinement handler.
func NewRefiner(desc stage.Descriptor, logger *slog.Logger) *Refiner {
	return &Refiner{base: newBase(desc, logger)}
}

type refinePayload struct {
	Draft      inference.Refined    `json:"draft"`
	Candidates inference.Candidates `json:"candidates"`
	Identities inference.Identities `json:"identities"`
}

// Prepare always returns one unit.
func (r *Refiner) Prepare(context.Context, *stage.Env) (int, error) {
	return 1, nil
}

// RunUnit builds a draft by attributing each segment to the speaker with the
// most overlapping speech and asks the model to refine it.
func (r *Refiner) RunUnit(ctx context.Context, env *stage.Env, unit int) (json.RawMessage, error) {
	var (
		transcript inference.Transcript
		speakers   inference.Speakers
		payload    refinePayload
	)
	for c, v := range map[stage.Capability]any{
		stage.CapTranscript: &transcript,
		stage.CapSpeakers:   &speakers,
		stage.CapCandidates: &payload.Candidates,
		stage.CapIdentities: &payload.Identities,
	} {
		if err := env.Input(c, v); err != nil {
			return nil, err
		}
	}
	payload.Draft = draftTranscript(transcript, speakers, payload.Identities)

	req, err := r.request(unit, 1, payload)
	if err != nil {
		return nil, err
	}
	var refined inference.Refined
	if err := r.call(ctx, env, req, &refined); err != nil {
		return nil, err
	}
	if len(refined.Segments) == 0 && len(payload.Draft.Segments) > 0 {
		logging.WarnWithContext(r.loggerFor(ctx, env), "refinement returned no segments; keeping draft", "refine_empty",
			logging.Int("draft_segments", len(payload.Draft.Segments)),
			logging.String(logging.FieldImpact, "final transcript is the unrefined draft"),
		)
		refined.Segments = payload.Draft.Segments
	}
	return encode(r.desc.Name, refined)
}

// Finalize returns the single unit's output.
func (r *Refiner) Finalize(_ context.Context, _ *stage.Env, units []json.RawMessage) (json.RawMessage, error) {
	if len(units) != 1 {
		return nil, services.Wrap(services.ErrCorruptCheckpoint, r.desc.Name, "finalize", "refinement expects exactly one unit", nil)
	}
	return units[0], nil
}

func draftTranscript(transcript inference.Transcript, speakers inference.Speakers, identities inference.Identities) inference.Refined {
	names := make(map[string]string, len(identities.Matches))
	for _, m := range identities.Matches {
		if m.Name != "" {
			names[m.Speaker] = m.Name
		}
	}
	draft := inference.Refined{Segments: make([]inference.RefinedSegment, 0, len(transcript.Segments))}
	for _, seg := range transcript.Segments {
		best, bestOverlap := "", 0.0
		for _, turn := range speakers.Turns {
			if o := overlap(turn.Start, turn.End, seg.Start, seg.End); o > bestOverlap {
				best, bestOverlap = turn.Speaker, o
			}
		}
		draft.Segments = append(draft.Segments, inference.RefinedSegment{
			Start:   seg.Start,
			End:     seg.End,
			Speaker: best,
			Name:    names[best],
			Text:    seg.Text,
		})
	}
	return draft
}
