// Package stages implements the pipeline stage handlers and builds the
// stage pipeline from configuration.
//
// Progressive transcription passes re-run every segment with a stronger
// model. Diarization attributes speech to speakers and relabels clusters by
// first appearance. Entity extraction proposes names per speaker. Cross
// reference resolves speakers against the identity store. Context
// refinement produces the final speaker-attributed transcript in one unit.
//
// Handlers hold configuration only and are shared by every worker; all
// per-job state flows through stage.Env and the unit outputs.
package stages
