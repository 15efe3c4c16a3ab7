package engine

import (
	"context"
	"fmt"
	"strings"

	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/queue"
)

// Routing plan sources.
const (
	planNone        = "none"
	planRouter      = "router"
	planRouterError = "router-error"
	planLowConf     = "low-confidence"
	planRejected    = "rejected"
)

// skipPlan returns the stages to skip from stage from onward. A persisted
// plan is reused so that a resumed job never re-routes.
func (r *jobRun) skipPlan(ctx context.Context, from int) (map[string]bool, error) {
	e := r.e
	if r.job.SkipPlan != nil {
		return planSet(r.job.SkipPlan.Skip), nil
	}

	plan := r.route(ctx, from)
	r.job.SkipPlan = &plan
	if err := e.store.Update(ctx, r.job); err != nil {
		return nil, fmt.Errorf("persist routing plan: %w", err)
	}
	return planSet(plan.Skip), nil
}

func (r *jobRun) route(ctx context.Context, from int) queue.SkipPlan {
	e := r.e
	pipeline := e.set.Pipeline
	if e.router == nil || from >= pipeline.Len() {
		return queue.SkipPlan{Source: planNone}
	}

	features := inference.Features{
		JobID:           r.job.ID,
		SourcePath:      r.job.SourcePath,
		DurationSeconds: r.job.DurationSeconds,
		Segments:        r.job.Segments,
		Stages:          pipeline.Names(),
		From:            from,
	}
	for _, d := range pipeline.Stages()[from:] {
		if d.Skippable {
			features.Skippable = append(features.Skippable, d.Name)
		}
	}
	if len(features.Skippable) == 0 {
		return queue.SkipPlan{Source: planNone}
	}

	plan, err := e.router.Predict(ctx, features)
	if err != nil {
		logging.WarnWithContext(r.logger, "router failed; running every stage", "routing_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "no stages are skipped for this job"))
		return queue.SkipPlan{Source: planRouterError}
	}
	threshold := e.cfg.Routing.ConfidenceThreshold
	if plan.Confidence < threshold {
		r.logger.Info("routing plan ignored",
			logging.Args(append(logging.DecisionAttrs("routing", "run_all",
				fmt.Sprintf("confidence %.2f below threshold %.2f", plan.Confidence, threshold)),
				logging.String(logging.FieldEventType, "routing_decision"),
				logging.String("proposed_skip", strings.Join(plan.Skip, ",")))...)...)
		return queue.SkipPlan{Confidence: plan.Confidence, Source: planLowConf}
	}
	if err := pipeline.ValidateSkipPlan(from, plan.Skip); err != nil {
		logging.WarnWithContext(r.logger, "routing plan rejected; running every stage", "routing_rejected",
			logging.Error(err),
			logging.String("proposed_skip", strings.Join(plan.Skip, ",")),
			logging.String(logging.FieldImpact, "no stages are skipped for this job"))
		return queue.SkipPlan{Confidence: plan.Confidence, Source: planRejected}
	}
	plan.Source = planRouter
	r.logger.Info("routing plan accepted",
		logging.Args(append(logging.DecisionAttrs("routing", "accepted",
			fmt.Sprintf("confidence %.2f", plan.Confidence)),
			logging.String(logging.FieldEventType, "routing_decision"),
			logging.String("skip", strings.Join(plan.Skip, ",")))...)...)
	return plan
}

func planSet(skip []string) map[string]bool {
	set := make(map[string]bool, len(skip))
	for _, name := range skip {
		set[name] = true
	}
	return set
}
