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

// defaultLinkThreshold is the voiceprint similarity above which turns from
// different segments are attributed to the same speaker.
const defaultLinkThreshold = 0.75

// Diarizer attributes each transcript segment's speech to speakers.
type Diarizer struct {
	base
	linkThreshold float64
}

// NewDiarizer builds the diarization handler.
func NewDiarizer(desc stage.Descriptor, logger *slog.Logger) *Diarizer {
	threshold := defaultLinkThreshold
	if v, ok := desc.ModelConfig["link_threshold"].(float64); ok && v > 0 && v <= 1 {
		threshold = v
	}
	return &Diarizer{base: newBase(desc, logger), linkThreshold: threshold}
}

type diarizePayload struct {
	Segment inference.TranscriptSegment `json:"segment"`
}

type diarizeReply struct {
	Turns []inference.SpeakerTurn `json:"turns"`
}

// Prepare returns one unit per transcript segment.
func (d *Diarizer) Prepare(_ context.Context, env *stage.Env) (int, error) {
	var transcript inference.Transcript
	if err := env.Input(stage.CapTranscript, &transcript); err != nil {
		return 0, err
	}
	return len(transcript.Segments), nil
}

// RunUnit diarizes one segment. Turns are clamped to the segment bounds.
func (d *Diarizer) RunUnit(ctx context.Context, env *stage.Env, unit int) (json.RawMessage, error) {
	var transcript inference.Transcript
	if err := env.Input(stage.CapTranscript, &transcript); err != nil {
		return nil, err
	}
	if unit >= len(transcript.Segments) {
		return nil, services.Wrap(services.ErrValidation, d.desc.Name, "run unit", fmt.Sprintf("unit %d beyond %d segments", unit, len(transcript.Segments)), nil)
	}
	seg := transcript.Segments[unit]
	req, err := d.request(unit, len(transcript.Segments), diarizePayload{Segment: seg})
	if err != nil {
		return nil, err
	}
	req.StartSeconds, req.EndSeconds = seg.Start, seg.End

	var reply diarizeReply
	if err := d.call(ctx, env, req, &reply); err != nil {
		return nil, err
	}
	out := inference.DiarizedSegment{Unit: unit, Turns: make([]inference.SpeakerTurn, 0, len(reply.Turns))}
	for _, turn := range reply.Turns {
		turn.Start = max(turn.Start, seg.Start)
		turn.End = min(turn.End, seg.End)
		if turn.End <= turn.Start {
			continue
		}
		turn.Speaker = strings.TrimSpace(turn.Speaker)
		out.Turns = append(out.Turns, turn)
	}
	return encode(d.desc.Name, out)
}

// Finalize merges per-segment turns and relabels speakers S1, S2, ... in
// order of first appearance. Turns are linked across segments by voiceprint
// similarity; turns without a voiceprint keep their runner label. There is
// no fixed speaker count.
func (d *Diarizer) Finalize(_ context.Context, _ *stage.Env, units []json.RawMessage) (json.RawMessage, error) {
	segments, err := decodeUnits[inference.DiarizedSegment](d.desc.Name, units)
	if err != nil {
		return nil, err
	}
	var turns []inference.SpeakerTurn
	for _, seg := range segments {
		turns = append(turns, seg.Turns...)
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })

	type cluster struct {
		speaker inference.Speaker
		prints  [][]float64
		label   string
	}
	var clusters []*cluster
	byLabel := make(map[string]*cluster)

	assign := func(turn inference.SpeakerTurn) *cluster {
		if len(turn.Voiceprint) > 0 {
			var best *cluster
			bestScore := d.linkThreshold
			for _, c := range clusters {
				if len(c.prints) == 0 {
					continue
				}
				if score := textutil.Cosine(turn.Voiceprint, textutil.Mean(c.prints)); score >= bestScore {
					best, bestScore = c, score
				}
			}
			if best != nil {
				return best
			}
		} else if c, ok := byLabel[turn.Speaker]; ok && turn.Speaker != "" {
			return c
		}
		c := &cluster{label: turn.Speaker}
		c.speaker.Label = fmt.Sprintf("S%d", len(clusters)+1)
		c.speaker.FirstSeen = turn.Start
		clusters = append(clusters, c)
		if len(turn.Voiceprint) == 0 && turn.Speaker != "" {
			byLabel[turn.Speaker] = c
		}
		return c
	}

	out := inference.Speakers{Turns: make([]inference.SpeakerTurn, 0, len(turns))}
	for _, turn := range turns {
		c := assign(turn)
		c.speaker.Speech += turn.End - turn.Start
		if len(turn.Voiceprint) > 0 {
			c.prints = append(c.prints, turn.Voiceprint)
		}
		relabelled := turn
		relabelled.Speaker = c.speaker.Label
		relabelled.Voiceprint = nil
		out.Turns = append(out.Turns, relabelled)
	}
	for _, c := range clusters {
		c.speaker.Voiceprint = textutil.Mean(c.prints)
		out.Speakers = append(out.Speakers, c.speaker)
	}
	return encode(d.desc.Name, out)
}
