package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reel/internal/logging"
	"reel/internal/queue"
)

// HeartbeatMonitor keeps running jobs alive in the queue and returns jobs
// whose worker stopped heartbeating.
type HeartbeatMonitor struct {
	store    *queue.Store
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewHeartbeatMonitor creates a monitor.
func NewHeartbeatMonitor(store *queue.Store, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:    store,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// ReclaimStale requeues running jobs whose heartbeat is older than the
// timeout. Jobs in live belong to workers of this process and are never
// reclaimed, however late their heartbeat is.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context, logger *slog.Logger, live []string) (int64, error) {
	if h.timeout <= 0 {
		return 0, nil
	}
	reclaimed, err := h.store.ReclaimStale(ctx, time.Now().Add(-h.timeout), live...)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		logger.Info("reclaimed stale jobs",
			logging.String(logging.FieldEventType, "heartbeat_reclaim"),
			logging.Int64("count", reclaimed))
	}
	return reclaimed, nil
}

// StartLoop updates the heartbeat for jobID until ctx ends.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, jobID string) {
	defer wg.Done()
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, logging.NewComponentLogger(h.logger, "heartbeat"))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.UpdateHeartbeat(ctx, jobID); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_failed"))
			}
		}
	}
}
