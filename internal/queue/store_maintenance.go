package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for status output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusQueued:
			health.Queued += count
		case StatusRunning:
			health.Running += count
		case StatusPaused:
			health.Paused += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusCancelled:
			health.Cancelled += count
		}
	}
	return health, nil
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("queue database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}
	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM jobs").Scan(&health.TotalJobs); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count jobs: %w", err)
	}

	var integrityResult string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")
	return health, nil
}
