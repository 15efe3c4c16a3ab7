package textutil

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// Cosine returns the cosine similarity of two vectors. Vectors of different
// length or zero norm score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Mean averages equal-length vectors. Vectors whose length differs from the
// first are ignored.
func Mean(vectors [][]float64) []float64 {
	var out []float64
	n := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if out == nil {
			out = make([]float64, len(v))
		}
		if len(v) != len(out) {
			continue
		}
		for i, x := range v {
			out[i] += x
		}
		n++
	}
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}

// VectorFingerprint returns a 16 hex character digest of v quantized to two
// decimal places, so voiceprints that agree to that precision share a key.
func VectorFingerprint(v []float64) string {
	if len(v) == 0 {
		return ""
	}
	h := sha256.New()
	var buf [8]byte
	for _, x := range v {
		binary.BigEndian.PutUint64(buf[:], uint64(int64(math.Round(x*100))))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
