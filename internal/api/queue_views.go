package api

import (
	"sort"
	"time"
)

// SortJobsNewestFirst orders jobs by CreatedAt descending, breaking ties by
// ID descending.
func SortJobsNewestFirst(jobs []Job) []Job {
	if len(jobs) == 0 {
		return nil
	}
	sorted := make([]Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti := parseQueueTime(sorted[i].CreatedAt)
		tj := parseQueueTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})
	return sorted
}

func parseQueueTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

// ParseQueueTime exposes queue timestamp parsing for consumers that need display formatting.
func ParseQueueTime(value string) time.Time {
	return parseQueueTime(value)
}

// ShortID returns the leading characters of a job id for table output.
// Any unique prefix resolves back to the job.
func ShortID(id string) string {
	const width = 8
	if len(id) <= width {
		return id
	}
	return id[:width]
}
