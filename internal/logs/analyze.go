package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"reel/internal/queue"
)

const (
	consoleLayout   = "2006-01-02 15:04:05"
	maxGroupHints   = 3
	maxGroupJobs    = 10
	stormThreshold  = 5
	recurringJobs   = 3
	unknownGroupKey = "-"
)

var (
	ansiEscape    = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	consoleHeader = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) (DEBUG|INFO|WARN|ERROR)(?: \[([^\]]+)\])?(?: (.*?))? – (.*)$`)
	consoleField  = regexp.MustCompile(`^    - ([^:]+): (.*)$`)
)

// Entry is one parsed log record from either the JSON or console format.
type Entry struct {
	Time      time.Time
	Level     string
	Message   string
	Component string
	JobID     string
	Stage     string
	EventType string
	ErrorKind string
	Hint      string
	Impact    string
	Error     string
}

// Failed reports whether the entry records a failure: an error-level line or
// any line carrying a classified error.
func (e Entry) Failed() bool {
	return e.Level == "error" || e.ErrorKind != ""
}

// JobLister lists queue jobs for cross-referencing.
type JobLister interface {
	List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error)
}

// AnalyzeOptions narrows an Analyze call. Entries older than Since are
// ignored. Jobs enables the queue cross-reference. Hour and day buckets use
// Location, defaulting to local time.
type AnalyzeOptions struct {
	Since    time.Time
	Jobs     JobLister
	Location *time.Location
}

// FailureGroup aggregates failures sharing a stage, error kind and event type.
type FailureGroup struct {
	Stage     string    `json:"stage"`
	ErrorKind string    `json:"error_kind"`
	EventType string    `json:"event_type"`
	Count     int       `json:"count"`
	Hints     []string  `json:"hints,omitempty"`
	Impacts   []string  `json:"impacts,omitempty"`
	Jobs      []string  `json:"jobs,omitempty"`
	Sample    string    `json:"sample"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// JobFinding relates logged failures or missing outputs to a queue job.
type JobFinding struct {
	JobID    string `json:"job_id"`
	Failures int    `json:"failures"`
	Status   string `json:"status,omitempty"`
	Source   string `json:"source,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Pattern is a recurring shape across failures.
type Pattern struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// QueueSummary counts queue jobs by status.
type QueueSummary struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
}

// Report is the result of Analyze.
type Report struct {
	Files          []string       `json:"files"`
	Lines          int            `json:"lines"`
	Entries        int            `json:"entries"`
	Unparsed       int            `json:"unparsed"`
	Levels         map[string]int `json:"levels"`
	From           *time.Time     `json:"from,omitempty"`
	To             *time.Time     `json:"to,omitempty"`
	Failures       []FailureGroup `json:"failures"`
	FailuresByHour map[string]int `json:"failures_by_hour"`
	FailuresByDay  map[string]int `json:"failures_by_day"`
	Patterns       []Pattern      `json:"patterns"`
	Jobs           []JobFinding   `json:"jobs"`
	MissingOutputs []JobFinding   `json:"missing_outputs"`
	Queue          *QueueSummary  `json:"queue,omitempty"`
}

// TotalFailures sums the failure groups.
func (r *Report) TotalFailures() int {
	total := 0
	for _, group := range r.Failures {
		total += group.Count
	}
	return total
}

type groupKey struct{ stage, kind, event string }

type analyzer struct {
	opts     AnalyzeOptions
	report   *Report
	groups   map[groupKey]*FailureGroup
	jobs     map[string]int
	kindJobs map[groupKey]map[string]bool
	hours    map[time.Time]int
}

// Analyze reads the log files at paths and summarizes the failures they
// record. Missing files are skipped.
func Analyze(ctx context.Context, paths []string, opts AnalyzeOptions) (*Report, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	a := &analyzer{
		opts: opts,
		report: &Report{
			Files:          []string{},
			Levels:         map[string]int{},
			Failures:       []FailureGroup{},
			FailuresByHour: map[string]int{},
			FailuresByDay:  map[string]int{},
			Patterns:       []Pattern{},
			Jobs:           []JobFinding{},
			MissingOutputs: []JobFinding{},
		},
		groups:   map[groupKey]*FailureGroup{},
		jobs:     map[string]int{},
		kindJobs: map[groupKey]map[string]bool{},
		hours:    map[time.Time]int{},
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		read, err := a.readFile(path)
		if err != nil {
			return nil, err
		}
		if read {
			a.report.Files = append(a.report.Files, path)
		}
	}
	a.finish()
	if opts.Jobs != nil {
		if err := a.crossReference(ctx); err != nil {
			return nil, err
		}
	}
	return a.report, nil
}

func (a *analyzer) readFile(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	var pending *Entry
	flush := func() {
		if pending != nil {
			a.record(*pending)
			pending = nil
		}
	}
	for scanner.Scan() {
		a.report.Lines++
		line := ansiEscape.ReplaceAllString(scanner.Text(), "")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			flush()
			entry, ok := parseJSONLine(line)
			if !ok {
				a.report.Unparsed++
				continue
			}
			a.record(entry)
			continue
		}
		if entry, ok := parseConsoleHeader(line, a.opts.Location); ok {
			flush()
			pending = &entry
			continue
		}
		if pending != nil {
			if m := consoleField.FindStringSubmatch(line); m != nil {
				applyConsoleField(pending, m[1], m[2])
				continue
			}
		}
		a.report.Unparsed++
	}
	flush()
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read log file: %w", err)
	}
	return true, nil
}

func parseJSONLine(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}
	field := func(key string) string {
		switch v := raw[key].(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}
	entry := Entry{
		Level:     strings.ToLower(field("level")),
		Message:   field("msg"),
		Component: field("component"),
		JobID:     field("job_id"),
		Stage:     field("stage"),
		EventType: field("event_type"),
		ErrorKind: field("error_kind"),
		Hint:      field("error_hint"),
		Impact:    field("impact"),
		Error:     field("error"),
	}
	if entry.Level == "warning" {
		entry.Level = "warn"
	}
	if ts := field("ts"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Time = parsed
		}
	}
	return entry, entry.Level != ""
}

func parseConsoleHeader(line string, loc *time.Location) (Entry, bool) {
	m := consoleHeader.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}
	entry := Entry{
		Level:     strings.ToLower(m[2]),
		Component: m[3],
		Message:   strings.TrimSpace(m[5]),
	}
	if ts, err := time.ParseInLocation(consoleLayout, m[1], loc); err == nil {
		entry.Time = ts
	}
	for _, part := range strings.Split(m[4], " · ") {
		part = strings.TrimSpace(part)
		switch {
		case part == "", strings.HasPrefix(part, "Worker "):
		case strings.HasPrefix(part, "Job "):
			rest := strings.TrimPrefix(part, "Job ")
			if open := strings.Index(rest, " ("); open >= 0 && strings.HasSuffix(rest, ")") {
				entry.Stage = rest[open+2 : len(rest)-1]
				rest = rest[:open]
			}
			entry.JobID = rest
		default:
			entry.Stage = part
		}
	}
	return entry, true
}

func applyConsoleField(entry *Entry, label, value string) {
	value = strings.TrimSpace(value)
	switch label {
	case "Event":
		entry.EventType = value
	case "Error Kind":
		entry.ErrorKind = value
	case "Hint":
		entry.Hint = value
	case "Impact":
		entry.Impact = value
	case "Error":
		entry.Error = value
	}
}

func (a *analyzer) record(entry Entry) {
	if !a.opts.Since.IsZero() && !entry.Time.IsZero() && entry.Time.Before(a.opts.Since) {
		return
	}
	r := a.report
	r.Entries++
	r.Levels[entry.Level]++
	if !entry.Time.IsZero() {
		if r.From == nil || entry.Time.Before(*r.From) {
			from := entry.Time
			r.From = &from
		}
		if r.To == nil || entry.Time.After(*r.To) {
			to := entry.Time
			r.To = &to
		}
	}
	if !entry.Failed() {
		return
	}

	key := groupKey{
		stage: orUnknown(entry.Stage),
		kind:  orUnknown(entry.ErrorKind),
		event: orUnknown(entry.EventType),
	}
	group, ok := a.groups[key]
	if !ok {
		group = &FailureGroup{
			Stage:     key.stage,
			ErrorKind: key.kind,
			EventType: key.event,
			Sample:    sampleOf(entry),
			FirstSeen: entry.Time,
		}
		a.groups[key] = group
	}
	group.Count++
	if entry.Time.After(group.LastSeen) {
		group.LastSeen = entry.Time
	}
	if !entry.Time.IsZero() && (group.FirstSeen.IsZero() || entry.Time.Before(group.FirstSeen)) {
		group.FirstSeen = entry.Time
	}
	group.Hints = appendDistinct(group.Hints, entry.Hint, maxGroupHints)
	group.Impacts = appendDistinct(group.Impacts, entry.Impact, maxGroupHints)
	if entry.JobID != "" {
		group.Jobs = appendDistinct(group.Jobs, entry.JobID, maxGroupJobs)
		a.jobs[entry.JobID]++
		kindKey := groupKey{stage: key.stage, kind: key.kind}
		if a.kindJobs[kindKey] == nil {
			a.kindJobs[kindKey] = map[string]bool{}
		}
		a.kindJobs[kindKey][entry.JobID] = true
	}
	if !entry.Time.IsZero() {
		local := entry.Time.In(a.opts.Location)
		r.FailuresByHour[local.Format("15")]++
		r.FailuresByDay[local.Format("2006-01-02")]++
		a.hours[local.Truncate(time.Hour)]++
	}
}

func (a *analyzer) finish() {
	r := a.report
	for _, group := range a.groups {
		r.Failures = append(r.Failures, *group)
	}
	sort.Slice(r.Failures, func(i, j int) bool {
		if r.Failures[i].Count != r.Failures[j].Count {
			return r.Failures[i].Count > r.Failures[j].Count
		}
		return r.Failures[i].LastSeen.After(r.Failures[j].LastSeen)
	})

	hours := make([]time.Time, 0, len(a.hours))
	for hour, count := range a.hours {
		if count > stormThreshold {
			hours = append(hours, hour)
		}
	}
	slices.SortFunc(hours, func(x, y time.Time) int { return x.Compare(y) })
	for _, hour := range hours {
		r.Patterns = append(r.Patterns, Pattern{
			Kind:   "error_storm",
			Detail: fmt.Sprintf("%d failures between %s and %s", a.hours[hour], hour.Format("2006-01-02 15:04"), hour.Add(time.Hour).Format("15:04")),
		})
	}

	kinds := make([]groupKey, 0, len(a.kindJobs))
	for key, jobs := range a.kindJobs {
		if len(jobs) >= recurringJobs {
			kinds = append(kinds, key)
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].stage != kinds[j].stage {
			return kinds[i].stage < kinds[j].stage
		}
		return kinds[i].kind < kinds[j].kind
	})
	for _, key := range kinds {
		r.Patterns = append(r.Patterns, Pattern{
			Kind:   "recurring",
			Detail: fmt.Sprintf("%s failures in stage %s hit %d jobs", key.kind, key.stage, len(a.kindJobs[key])),
		})
	}
}

func (a *analyzer) crossReference(ctx context.Context) error {
	jobs, err := a.opts.Jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list queue jobs: %w", err)
	}
	r := a.report
	summary := &QueueSummary{Total: len(jobs), ByStatus: map[string]int{}}
	completed := 0
	for _, job := range jobs {
		summary.ByStatus[string(job.Status)]++
		if job.Status == queue.StatusCompleted {
			completed++
		}
	}
	if len(jobs) > 0 {
		summary.SuccessRate = float64(completed) / float64(len(jobs)) * 100
	}
	r.Queue = summary

	for ref, failures := range a.jobs {
		finding := JobFinding{JobID: ref, Failures: failures}
		job := matchJob(jobs, ref)
		switch {
		case job == nil:
			finding.Note = "not in queue database"
		default:
			finding.JobID = job.ID
			finding.Status = string(job.Status)
			finding.Source = job.SourcePath
			switch job.Status {
			case queue.StatusCompleted:
				finding.Note = "recovered"
			case queue.StatusFailed:
				finding.Note = job.ErrorMessage
			}
		}
		r.Jobs = append(r.Jobs, finding)
	}
	sort.Slice(r.Jobs, func(i, j int) bool {
		if r.Jobs[i].Failures != r.Jobs[j].Failures {
			return r.Jobs[i].Failures > r.Jobs[j].Failures
		}
		return r.Jobs[i].JobID < r.Jobs[j].JobID
	})

	for _, job := range jobs {
		if job.Status != queue.StatusCompleted {
			continue
		}
		names := make([]string, 0, len(job.Outputs))
		for name := range job.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			path := job.Outputs[name]
			if _, err := os.Stat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
				continue
			}
			r.MissingOutputs = append(r.MissingOutputs, JobFinding{
				JobID:  job.ID,
				Status: string(job.Status),
				Source: job.SourcePath,
				Note:   fmt.Sprintf("%s output %s missing", name, path),
			})
		}
	}
	return nil
}

// matchJob resolves a logged job reference, which the console format
// shortens to a prefix, against the queue.
func matchJob(jobs []*queue.Job, ref string) *queue.Job {
	var match *queue.Job
	for _, job := range jobs {
		if job.ID == ref {
			return job
		}
		if strings.HasPrefix(job.ID, ref) {
			if match != nil {
				return nil
			}
			match = job
		}
	}
	return match
}

func sampleOf(entry Entry) string {
	if entry.Error == "" {
		return entry.Message
	}
	return entry.Message + ": " + entry.Error
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return unknownGroupKey
	}
	return value
}

func appendDistinct(values []string, value string, limit int) []string {
	value = strings.TrimSpace(value)
	if value == "" || len(values) >= limit || slices.Contains(values, value) {
		return values
	}
	return append(values, value)
}
