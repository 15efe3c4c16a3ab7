package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/services"
	"reel/internal/stage"
)

// Transcriber runs one progressive transcription pass. Each unit is one
// fixed-length audio segment.
type Transcriber struct {
	base
	segmentSeconds float64
}

// NewTranscriber builds a pass handler.
func NewTranscriber(desc stage.Descriptor, segmentSeconds int, logger *slog.Logger) *Transcriber {
	return &Transcriber{base: newBase(desc, logger), segmentSeconds: float64(segmentSeconds)}
}

type transcribePayload struct {
	Previous *inference.TranscriptSegment `json:"previous,omitempty"`
}

type transcribeReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Prepare returns the job's segment count and decodes the previous pass
// once for the units that follow.
func (t *Transcriber) Prepare(_ context.Context, env *stage.Env) (int, error) {
	if env.Job == nil || env.Job.Segments <= 0 {
		return 0, services.Wrap(services.ErrValidation, t.desc.Name, "prepare", "job has no segments", nil)
	}
	prev, err := t.decodePrevious(env.Previous)
	if err != nil {
		return 0, err
	}
	env.State = prev
	return env.Job.Segments, nil
}

// RunUnit transcribes one segment, passing the previous pass's text along
// so a stronger model can refine it.
func (t *Transcriber) RunUnit(ctx context.Context, env *stage.Env, unit int) (json.RawMessage, error) {
	start, end := t.bounds(env, unit)
	payload := transcribePayload{Previous: t.previous(env).segment(unit)}
	req, err := t.request(unit, env.Job.Segments, payload)
	if err != nil {
		return nil, err
	}
	req.StartSeconds, req.EndSeconds = start, end

	var reply transcribeReply
	if err := t.call(ctx, env, req, &reply); err != nil {
		return nil, err
	}
	return encode(t.desc.Name, inference.TranscriptSegment{
		Unit:       unit,
		Start:      start,
		End:        end,
		Text:       strings.TrimSpace(reply.Text),
		Confidence: reply.Confidence,
	})
}

// FallbackUnit reuses the previous pass's text for a unit this pass could
// not complete.
func (t *Transcriber) FallbackUnit(ctx context.Context, env *stage.Env, unit int, cause error) (json.RawMessage, bool) {
	from := t.previous(env)
	prev := from.segment(unit)
	if prev == nil {
		return nil, false
	}
	seg := *prev
	seg.FromPass = from.Pass
	if seg.FromPass == "" {
		seg.FromPass = "previous"
	}
	logging.WarnWithContext(t.loggerFor(ctx, env), "transcription pass fell back to earlier output", "pass_fallback",
		logging.Int("unit", unit),
		logging.String("from_pass", seg.FromPass),
		logging.Error(cause),
		logging.String(logging.FieldImpact, "segment keeps the weaker pass transcription"),
	)
	raw, err := encode(t.desc.Name, seg)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Finalize assembles the pass transcript in segment order.
func (t *Transcriber) Finalize(_ context.Context, _ *stage.Env, units []json.RawMessage) (json.RawMessage, error) {
	segments, err := decodeUnits[inference.TranscriptSegment](t.desc.Name, units)
	if err != nil {
		return nil, err
	}
	for i := range segments {
		if segments[i].Unit != i {
			return nil, services.Wrap(services.ErrCorruptCheckpoint, t.desc.Name, "finalize",
				fmt.Sprintf("unit %d holds segment %d", i, segments[i].Unit), nil)
		}
	}
	return encode(t.desc.Name, inference.Transcript{
		Pass:     t.desc.Name,
		Model:    t.desc.ModelKind,
		Segments: segments,
	})
}

func (t *Transcriber) bounds(env *stage.Env, unit int) (float64, float64) {
	start := float64(unit) * t.segmentSeconds
	end := start + t.segmentSeconds
	if d := env.Job.DurationSeconds; d > 0 {
		end = math.Min(end, d)
	}
	return start, end
}

// previousPass is the decoded output of the pass before this one. The zero
// value stands for "no earlier pass".
type previousPass struct {
	inference.Transcript
}

func (p *previousPass) segment(unit int) *inference.TranscriptSegment {
	if p == nil || unit < 0 || unit >= len(p.Segments) {
		return nil
	}
	seg := p.Segments[unit]
	return &seg
}

func (t *Transcriber) decodePrevious(raw json.RawMessage) (*previousPass, error) {
	prev := &previousPass{}
	if len(raw) == 0 {
		return prev, nil
	}
	if err := json.Unmarshal(raw, &prev.Transcript); err != nil {
		return nil, services.Wrap(services.ErrCorruptCheckpoint, t.desc.Name, "decode previous pass",
			"earlier pass transcript is unreadable", err)
	}
	return prev, nil
}

// previous returns the state Prepare decoded, decoding it on first use when
// a caller skipped Prepare. An unreadable transcript counts as no earlier
// pass; Prepare is where that error surfaces.
func (t *Transcriber) previous(env *stage.Env) *previousPass {
	if prev, ok := env.State.(*previousPass); ok {
		return prev
	}
	prev, err := t.decodePrevious(env.Previous)
	if err != nil {
		prev = &previousPass{}
	}
	env.State = prev
	return prev
}
