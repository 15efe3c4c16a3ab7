package inference

// TranscriptSegment is the transcription of one audio segment.
type TranscriptSegment struct {
	Unit       int     `json:"unit"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	// FromPass is set when the segment was carried over from an earlier pass.
	FromPass string `json:"from_pass,omitempty"`
}

// Transcript is the output of a transcription pass.
type Transcript struct {
	Pass     string              `json:"pass"`
	Model    string              `json:"model"`
	Segments []TranscriptSegment `json:"segments"`
}

// SpeakerTurn is a span of audio attributed to one speaker.
type SpeakerTurn struct {
	Speaker    string    `json:"speaker"`
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	Voiceprint []float64 `json:"voiceprint,omitempty"`
}

// DiarizedSegment is the diarization output for one segment.
type DiarizedSegment struct {
	Unit  int           `json:"unit"`
	Turns []SpeakerTurn `json:"turns"`
}

// Speaker is one relabelled speaker cluster.
type Speaker struct {
	Label      string    `json:"label"`
	FirstSeen  float64   `json:"first_seen"`
	Speech     float64   `json:"speech_seconds"`
	Voiceprint []float64 `json:"voiceprint,omitempty"`
}

// Speakers is the finalized diarization output.
type Speakers struct {
	Speakers []Speaker     `json:"speakers"`
	Turns    []SpeakerTurn `json:"turns"`
}

// CandidateName is a name proposed for a speaker.
type CandidateName struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Mentions int     `json:"mentions"`
}

// SpeakerCandidates lists names proposed for one speaker.
type SpeakerCandidates struct {
	Speaker string          `json:"speaker"`
	Names   []CandidateName `json:"names"`
}

// Candidates is the entity extraction output.
type Candidates struct {
	Speakers []SpeakerCandidates `json:"speakers"`
}

// Match methods.
const (
	MatchExact   = "exact"
	MatchNearest = "nearest"
	MatchLearned = "learned"
	MatchNone    = "unresolved"
)

// IdentityMatch is the cross-reference result for one speaker.
type IdentityMatch struct {
	Speaker     string  `json:"speaker"`
	Fingerprint string  `json:"fingerprint"`
	Name        string  `json:"name,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`
	Method      string  `json:"method"`
}

// Identities is the cross-reference output.
type Identities struct {
	Matches []IdentityMatch `json:"matches"`
}

// RefinedSegment is one speaker-attributed line of the final transcript.
type RefinedSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Name    string  `json:"name,omitempty"`
	Text    string  `json:"text"`
}

// Refined is the context refinement output.
type Refined struct {
	Segments []RefinedSegment `json:"segments"`
	Summary  string           `json:"summary,omitempty"`
}
