// Package engine runs queued jobs through the stage pipeline.
//
// The Engine owns a fixed pool of workers. Each worker claims the next
// eligible job from the queue, resumes it from its latest valid checkpoint,
// and runs the remaining stages in order. Checkpointed stages commit a
// record after every unit; the rest are retried wholesale. Cancel and pause
// requests are honoured only at safe points: before each unit and between
// stages. A unit in flight always runs to completion, so a stop request never
// discards committed work.
//
// Model instances come from the shared modelcache. A stage acquires its model
// when it starts and releases it when it ends, whatever the outcome. On
// completion the job's checkpoint records are purged and its artifacts kept;
// failed and cancelled jobs keep both so they can be resubmitted.
package engine
