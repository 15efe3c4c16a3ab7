// Package ffprobe reads media duration and audio stream layout through
// ffprobe's JSON output.
//
// Job admission uses Inspect to size a job: the playable duration divided by
// the configured segment length gives the number of checkpoint units. A
// source without an audio stream or with no measurable duration is rejected
// before it reaches the queue.
package ffprobe
