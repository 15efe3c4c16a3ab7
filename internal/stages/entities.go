package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"reel/internal/inference"
	"reel/internal/services"
	"reel/internal/stage"
	"reel/internal/textutil"
)

// EntityExtractor proposes candidate names for each speaker from the speech
// attributed to them. One unit per speaker.
type EntityExtractor struct {
	base
}

// NewEntityExtractor builds the entity extraction handler.
func NewEntityExtractor(desc stage.Descriptor, logger *slog.Logger) *EntityExtractor {
	return &EntityExtractor{base: newBase(desc, logger)}
}

type entitiesPayload struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type entitiesReply struct {
	Names []inference.CandidateName `json:"names"`
}

// Prepare returns one unit per speaker.
func (e *EntityExtractor) Prepare(_ context.Context, env *stage.Env) (int, error) {
	var speakers inference.Speakers
	if err := env.Input(stage.CapSpeakers, &speakers); err != nil {
		return 0, err
	}
	return len(speakers.Speakers), nil
}

// RunUnit extracts names for one speaker. Names are normalized and merged
// case-insensitively; the diarization output is only read.
func (e *EntityExtractor) RunUnit(ctx context.Context, env *stage.Env, unit int) (json.RawMessage, error) {
	var speakers inference.Speakers
	if err := env.Input(stage.CapSpeakers, &speakers); err != nil {
		return nil, err
	}
	if unit >= len(speakers.Speakers) {
		return nil, services.Wrap(services.ErrValidation, e.desc.Name, "run unit", fmt.Sprintf("unit %d beyond %d speakers", unit, len(speakers.Speakers)), nil)
	}
	label := speakers.Speakers[unit].Label

	var transcript inference.Transcript
	if _, ok := env.Inputs[stage.CapTranscript]; ok {
		if err := env.Input(stage.CapTranscript, &transcript); err != nil {
			return nil, err
		}
	}
	req, err := e.request(unit, len(speakers.Speakers), entitiesPayload{
		Speaker: label,
		Text:    speakerText(label, speakers.Turns, transcript.Segments),
	})
	if err != nil {
		return nil, err
	}

	var reply entitiesReply
	if err := e.call(ctx, env, req, &reply); err != nil {
		return nil, err
	}
	return encode(e.desc.Name, inference.SpeakerCandidates{Speaker: label, Names: mergeNames(reply.Names)})
}

// Finalize collects candidates for every speaker in unit order.
func (e *EntityExtractor) Finalize(_ context.Context, _ *stage.Env, units []json.RawMessage) (json.RawMessage, error) {
	speakers, err := decodeUnits[inference.SpeakerCandidates](e.desc.Name, units)
	if err != nil {
		return nil, err
	}
	return encode(e.desc.Name, inference.Candidates{Speakers: speakers})
}

// speakerText joins the transcript text of segments that overlap the
// speaker's turns.
func speakerText(label string, turns []inference.SpeakerTurn, segments []inference.TranscriptSegment) string {
	var parts []string
	for _, seg := range segments {
		for _, turn := range turns {
			if turn.Speaker == label && overlap(turn.Start, turn.End, seg.Start, seg.End) > 0 {
				if text := strings.TrimSpace(seg.Text); text != "" {
					parts = append(parts, text)
				}
				break
			}
		}
	}
	return strings.Join(parts, "\n")
}

// mergeNames normalizes names, folds duplicates, and orders by score.
func mergeNames(names []inference.CandidateName) []inference.CandidateName {
	merged := make(map[string]*inference.CandidateName)
	var order []string
	for _, n := range names {
		display := textutil.NormalizeName(n.Name)
		if display == "" {
			continue
		}
		key := textutil.NameKey(display)
		existing, ok := merged[key]
		if !ok {
			existing = &inference.CandidateName{Name: display}
			merged[key] = existing
			order = append(order, key)
		}
		existing.Mentions += max(n.Mentions, 1)
		existing.Score = max(existing.Score, n.Score)
	}
	out := make([]inference.CandidateName, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
