package api

import (
	"context"
	"errors"

	"reel/internal/queue"
	"reel/internal/services"
)

// JobControlService captures the per-job operations behind batch control
// commands. Control methods report whether the job's state changed.
type JobControlService interface {
	Describe(ctx context.Context, ref string) (*Job, error)
	Cancel(ctx context.Context, ref string) (bool, error)
	Pause(ctx context.Context, ref string) (bool, error)
	Resume(ctx context.Context, ref string) (bool, error)
	Remove(ctx context.Context, ref string) (bool, error)
}

// ControlAction names a job control operation.
type ControlAction string

const (
	ActionCancel ControlAction = "cancel"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionRemove ControlAction = "remove"
)

type ControlOutcome string

const (
	OutcomeUpdated   ControlOutcome = "updated"
	OutcomeRequested ControlOutcome = "requested"
	OutcomeNotFound  ControlOutcome = "not_found"
	OutcomeTerminal  ControlOutcome = "already_finished"
	OutcomeUnchanged ControlOutcome = "unchanged"
	OutcomeActive    ControlOutcome = "not_finished"
)

type ControlResult struct {
	Ref         string         `json:"ref"`
	ID          string         `json:"id,omitempty"`
	Outcome     ControlOutcome `json:"outcome"`
	PriorStatus string         `json:"priorStatus,omitempty"`
}

type ControlResults struct {
	UpdatedCount int             `json:"updatedCount"`
	Items        []ControlResult `json:"items"`
}

// ControlJobs applies action to each ref in order so every ref reports its
// own outcome. Unknown refs are reported rather than aborting the batch.
func ControlJobs(ctx context.Context, service JobControlService, action ControlAction, refs []string) (ControlResults, error) {
	var apply func(context.Context, string) (bool, error)
	switch action {
	case ActionCancel:
		apply = service.Cancel
	case ActionPause:
		apply = service.Pause
	case ActionResume:
		apply = service.Resume
	case ActionRemove:
		apply = service.Remove
	default:
		return ControlResults{}, services.Wrap(services.ErrValidation, "queue", string(action), "unknown job action", nil)
	}

	result := ControlResults{Items: make([]ControlResult, 0, len(refs))}
	for _, ref := range refs {
		job, err := service.Describe(ctx, ref)
		if errors.Is(err, services.ErrNotFound) || (err == nil && job == nil) {
			result.Items = append(result.Items, ControlResult{Ref: ref, Outcome: OutcomeNotFound})
			continue
		}
		if err != nil {
			return ControlResults{}, err
		}
		item := ControlResult{Ref: ref, ID: job.ID, PriorStatus: job.Status}
		status, _ := queue.ParseStatus(job.Status)
		switch {
		case action == ActionRemove && !status.IsTerminal():
			item.Outcome = OutcomeActive
			result.Items = append(result.Items, item)
			continue
		case action != ActionRemove && status.IsTerminal():
			item.Outcome = OutcomeTerminal
			result.Items = append(result.Items, item)
			continue
		}

		changed, err := apply(ctx, job.ID)
		if err != nil {
			return ControlResults{}, err
		}
		switch {
		case !changed:
			item.Outcome = OutcomeUnchanged
		case status == queue.StatusRunning && action != ActionResume:
			item.Outcome = OutcomeRequested
			result.UpdatedCount++
		default:
			item.Outcome = OutcomeUpdated
			result.UpdatedCount++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}
