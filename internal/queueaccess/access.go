package queueaccess

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reel/internal/api"
	"reel/internal/checkpoint"
	"reel/internal/ipc"
	"reel/internal/queue"
	"reel/internal/services"
)

// Access provides queue operations regardless of IPC or direct store backing.
// Describe returns nil without error when no job matches the ref.
type Access interface {
	api.JobControlService
	Stats(ctx context.Context) (map[string]int, error)
	List(ctx context.Context, statuses []string) ([]api.Job, error)
	Clear(ctx context.Context, statuses []string) (int64, error)
	// Online reports whether a running daemon serves the calls.
	Online() bool
}

// NewIPCAccess returns an Access backed by daemon IPC.
func NewIPCAccess(client *ipc.Client) Access {
	return &ipcAccess{client: client}
}

// NewStoreAccess returns an Access backed by direct DB access. checkpoints
// may be nil, in which case removed jobs keep their data directories.
func NewStoreAccess(store *queue.Store, checkpoints *checkpoint.Store) Access {
	return &storeAccess{store: store, checkpoints: checkpoints}
}

type ipcAccess struct {
	client *ipc.Client
}

func (a *ipcAccess) Online() bool { return true }

func (a *ipcAccess) Stats(_ context.Context) (map[string]int, error) {
	resp, err := a.client.Status()
	if err != nil {
		return nil, err
	}
	return resp.Engine.QueueStats, nil
}

func (a *ipcAccess) List(_ context.Context, statuses []string) ([]api.Job, error) {
	resp, err := a.client.QueueList(statuses)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (a *ipcAccess) Describe(_ context.Context, ref string) (*api.Job, error) {
	resp, err := a.client.QueueShow(ref)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (a *ipcAccess) Cancel(_ context.Context, ref string) (bool, error) {
	resp, err := a.client.Cancel(ref)
	if err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (a *ipcAccess) Pause(_ context.Context, ref string) (bool, error) {
	resp, err := a.client.Pause(ref)
	if err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (a *ipcAccess) Resume(_ context.Context, ref string) (bool, error) {
	resp, err := a.client.Resume(ref)
	if err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (a *ipcAccess) Remove(_ context.Context, ref string) (bool, error) {
	resp, err := a.client.Remove(ref)
	if err != nil {
		return false, err
	}
	return resp.Removed, nil
}

func (a *ipcAccess) Clear(_ context.Context, statuses []string) (int64, error) {
	resp, err := a.client.Clear(statuses)
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

type storeAccess struct {
	store       *queue.Store
	checkpoints *checkpoint.Store
}

func (a *storeAccess) Online() bool { return false }

func (a *storeAccess) Stats(ctx context.Context) (map[string]int, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return api.MergeQueueStats(stats), nil
}

func (a *storeAccess) List(ctx context.Context, statuses []string) ([]api.Job, error) {
	parsed, err := parseStatuses(statuses)
	if err != nil {
		return nil, err
	}
	jobs, err := a.store.List(ctx, parsed...)
	if err != nil {
		return nil, err
	}
	return api.FromJobs(jobs), nil
}

func (a *storeAccess) resolve(ctx context.Context, ref string) (*queue.Job, error) {
	return a.store.Resolve(ctx, strings.TrimSpace(ref))
}

func (a *storeAccess) Describe(ctx context.Context, ref string) (*api.Job, error) {
	job, err := a.resolve(ctx, ref)
	if errors.Is(err, services.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dto := api.FromJob(job)
	return &dto, nil
}

func (a *storeAccess) control(ctx context.Context, ref string, fn func(context.Context, string) (bool, error)) (bool, error) {
	job, err := a.resolve(ctx, ref)
	if err != nil {
		return false, err
	}
	return fn(ctx, job.ID)
}

func (a *storeAccess) Cancel(ctx context.Context, ref string) (bool, error) {
	return a.control(ctx, ref, a.store.Cancel)
}

func (a *storeAccess) Pause(ctx context.Context, ref string) (bool, error) {
	return a.control(ctx, ref, a.store.Pause)
}

func (a *storeAccess) Resume(ctx context.Context, ref string) (bool, error) {
	return a.control(ctx, ref, a.store.Resume)
}

func (a *storeAccess) Remove(ctx context.Context, ref string) (bool, error) {
	job, err := a.resolve(ctx, ref)
	if err != nil {
		return false, err
	}
	removed, err := a.store.Remove(ctx, job.ID)
	if err != nil || !removed || a.checkpoints == nil {
		return removed, err
	}
	if err := a.checkpoints.Purge(ctx, job.ID, false); err != nil {
		return true, fmt.Errorf("purge job data: %w", err)
	}
	return true, nil
}

func (a *storeAccess) Clear(ctx context.Context, statuses []string) (int64, error) {
	parsed, err := parseStatuses(statuses)
	if err != nil {
		return 0, err
	}
	return a.store.ClearTerminal(ctx, parsed...)
}

func parseStatuses(values []string) ([]queue.Status, error) {
	out := make([]queue.Status, 0, len(values))
	for _, value := range values {
		status, ok := queue.ParseStatus(value)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "queue", "filter", fmt.Sprintf("unknown status %q", value), nil)
		}
		out = append(out, status)
	}
	return out, nil
}
