// Package admission turns user requests into queued jobs.
//
// Submit probes the source with ffprobe and derives the segment count that
// becomes the job's checkpoint unit count. Reprocess admits a new job that
// starts at a named stage and reuses the parent's outputs for every earlier
// stage. Resubmit admits a new job that adopts a failed or cancelled
// parent's preserved checkpoint and resumes where the parent stopped.
// Terminal jobs are never modified.
package admission
