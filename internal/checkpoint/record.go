package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a durable resume point for one job.
type Record struct {
	JobID      string `json:"job_id"`
	Generation int64  `json:"generation"`
	// Epoch is bumped when a stage is restarted from unit zero so the restart
	// orders after every earlier record for that stage.
	Epoch      int    `json:"epoch"`
	StageIndex int    `json:"stage_index"`
	StageName  string `json:"stage_name"`
	// Cursor counts the units of StageIndex that are durably complete.
	Cursor int `json:"cursor"`
	// UnitLog names the unit log holding the outputs of the first Cursor
	// units; UnitLogBytes is its committed length.
	UnitLog      string `json:"unit_log,omitempty"`
	UnitLogBytes int64  `json:"unit_log_bytes,omitempty"`
	// Outputs maps completed stage names to artifact references.
	Outputs          map[string]string `json:"outputs,omitempty"`
	Skipped          []string          `json:"skipped,omitempty"`
	StageFingerprint string            `json:"stage_fingerprint,omitempty"`
	CommittedAt      time.Time         `json:"committed_at"`
	Integrity        string            `json:"integrity"`
}

// Key is the monotonic ordering key of a record.
type Key struct {
	Epoch      int
	StageIndex int
	Cursor     int
}

// Key returns the record's ordering key.
func (r Record) Key() Key {
	return Key{Epoch: r.Epoch, StageIndex: r.StageIndex, Cursor: r.Cursor}
}

// After reports whether k orders strictly after other.
func (k Key) After(other Key) bool {
	if k.Epoch != other.Epoch {
		return k.Epoch > other.Epoch
	}
	if k.StageIndex != other.StageIndex {
		return k.StageIndex > other.StageIndex
	}
	return k.Cursor > other.Cursor
}

// Ack reports the outcome of a commit.
type Ack struct {
	// Applied is false when the record did not advance past the latest
	// committed record and was discarded.
	Applied bool
	Record  Record
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Outputs != nil {
		out.Outputs = make(map[string]string, len(r.Outputs))
		for k, v := range r.Outputs {
			out.Outputs[k] = v
		}
	}
	if r.Skipped != nil {
		out.Skipped = append([]string(nil), r.Skipped...)
	}
	return out
}

func computeIntegrity(rec Record) (string, error) {
	rec.Integrity = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record for integrity: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func seal(rec Record) ([]byte, Record, error) {
	token, err := computeIntegrity(rec)
	if err != nil {
		return nil, rec, err
	}
	rec.Integrity = token
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, rec, fmt.Errorf("encode record: %w", err)
	}
	return data, rec, nil
}

func unseal(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Integrity == "" {
		return Record{}, fmt.Errorf("record has no integrity token")
	}
	want, err := computeIntegrity(rec)
	if err != nil {
		return Record{}, err
	}
	if want != rec.Integrity {
		return Record{}, fmt.Errorf("integrity mismatch: stored %s, computed %s", rec.Integrity, want)
	}
	return rec, nil
}
