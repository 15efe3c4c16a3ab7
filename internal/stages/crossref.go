package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/services"
	"reel/internal/stage"
	"reel/internal/textutil"
)

// CrossReferencer resolves speakers against the identity store. One unit
// per speaker cluster. Unresolved speakers are reported, not failed.
type CrossReferencer struct {
	base
	threshold       float64
	learn           bool
	learnConfidence float64
}

// NewCrossReferencer builds the cross-reference handler.
func NewCrossReferencer(desc stage.Descriptor, cfg config.Identity, logger *slog.Logger) *CrossReferencer {
	return &CrossReferencer{
		base:            newBase(desc, logger),
		threshold:       cfg.SimilarityThreshold,
		learn:           cfg.Learn,
		learnConfidence: cfg.LearnConfidence,
	}
}

// HealthCheck also requires an identity store, since every unit consults it.
func (c *CrossReferencer) HealthCheck(ctx context.Context, w stage.Wiring) stage.Health {
	if h := c.base.HealthCheck(ctx, w); !h.Ready {
		return h
	}
	if !w.Identities {
		return stage.Unhealthy(c.desc.Name, "no identity store configured")
	}
	return stage.Healthy(c.desc.Name)
}

// Prepare returns one unit per speaker with candidates.
func (c *CrossReferencer) Prepare(_ context.Context, env *stage.Env) (int, error) {
	if env.Identities == nil {
		return 0, services.Wrap(services.ErrConfiguration, c.desc.Name, "prepare", "no identity store configured", nil)
	}
	var candidates inference.Candidates
	if err := env.Input(stage.CapCandidates, &candidates); err != nil {
		return 0, err
	}
	return len(candidates.Speakers), nil
}

// RunUnit matches one speaker: an exact fingerprint lookup first, then the
// nearest stored voiceprint above the similarity threshold. With learning
// enabled, a speaker with a single confident candidate name is added to the
// store under its fingerprint.
func (c *CrossReferencer) RunUnit(ctx context.Context, env *stage.Env, unit int) (json.RawMessage, error) {
	var candidates inference.Candidates
	if err := env.Input(stage.CapCandidates, &candidates); err != nil {
		return nil, err
	}
	if unit >= len(candidates.Speakers) {
		return nil, services.Wrap(services.ErrValidation, c.desc.Name, "run unit", fmt.Sprintf("unit %d beyond %d speakers", unit, len(candidates.Speakers)), nil)
	}
	speaker := candidates.Speakers[unit]
	var speakers inference.Speakers
	if err := env.Input(stage.CapSpeakers, &speakers); err != nil {
		return nil, err
	}
	voiceprint := voiceprintFor(speaker.Speaker, speakers)
	match := inference.IdentityMatch{
		Speaker:     speaker.Speaker,
		Fingerprint: textutil.VectorFingerprint(voiceprint),
		Method:      inference.MatchNone,
	}
	logger := c.loggerFor(ctx, env)

	if match.Fingerprint != "" {
		found, err := env.Identities.Lookup(ctx, match.Fingerprint)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, c.desc.Name, "lookup identity", "identity store lookup failed", err)
		}
		if found != nil {
			match.Name, match.Similarity, match.Method = found.Name, 1, inference.MatchExact
			return encode(c.desc.Name, match)
		}

		known, err := env.Identities.All(ctx)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, c.desc.Name, "scan identities", "identity store scan failed", err)
		}
		var best *inference.Identity
		bestScore := c.threshold
		for i := range known {
			if score := textutil.Cosine(voiceprint, known[i].Voiceprint); score >= bestScore {
				best, bestScore = &known[i], score
			}
		}
		if best != nil {
			match.Name, match.Similarity, match.Method = best.Name, bestScore, inference.MatchNearest
			return encode(c.desc.Name, match)
		}

		if name, ok := c.learnable(speaker); ok {
			identity := inference.Identity{
				Fingerprint: match.Fingerprint,
				Name:        name.Name,
				Voiceprint:  voiceprint,
				Confidence:  name.Score,
				Source:      "learned:" + env.Job.ID,
				UpdatedAt:   time.Now().UTC(),
			}
			if err := env.Identities.Upsert(ctx, match.Fingerprint, identity); err != nil {
				return nil, services.Wrap(services.ErrTransient, c.desc.Name, "learn identity", "identity store upsert failed", err)
			}
			logger.Info("identity learned", logging.Args(append(
				logging.DecisionAttrs("identity_learning", "learned", "single confident candidate"),
				logging.String("speaker", speaker.Speaker),
				logging.String("name", name.Name),
				logging.Float64("score", name.Score),
			)...)...)
			match.Name, match.Similarity, match.Method = name.Name, name.Score, inference.MatchLearned
			return encode(c.desc.Name, match)
		}
	}

	logger.Debug("speaker unresolved",
		logging.String("speaker", speaker.Speaker),
		logging.Bool("has_voiceprint", match.Fingerprint != ""),
		logging.Int("candidates", len(speaker.Names)),
	)
	return encode(c.desc.Name, match)
}

// Finalize collects matches in unit order.
func (c *CrossReferencer) Finalize(_ context.Context, _ *stage.Env, units []json.RawMessage) (json.RawMessage, error) {
	matches, err := decodeUnits[inference.IdentityMatch](c.desc.Name, units)
	if err != nil {
		return nil, err
	}
	return encode(c.desc.Name, inference.Identities{Matches: matches})
}

func (c *CrossReferencer) learnable(speaker inference.SpeakerCandidates) (inference.CandidateName, bool) {
	if !c.learn || len(speaker.Names) != 1 {
		return inference.CandidateName{}, false
	}
	name := speaker.Names[0]
	return name, name.Score >= c.learnConfidence
}

func voiceprintFor(label string, speakers inference.Speakers) []float64 {
	for _, s := range speakers.Speakers {
		if s.Label == label {
			return s.Voiceprint
		}
	}
	return nil
}
