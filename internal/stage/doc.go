// Package stage defines pipeline stage descriptors, the capability rules
// that order them, and the handler contract the engine drives.
//
// A stage may begin only when every capability it requires has been
// provided by a completed, non-skipped earlier stage. NewPipeline rejects
// descriptor lists that violate this with no stages skipped, and
// ValidateSkipPlan rejects skip plans that would violate it at run time.
package stage
