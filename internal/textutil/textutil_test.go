package textutil_test

import (
	"math"
	"testing"

	"reel/internal/textutil"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  ada   lovelace ", "Ada Lovelace"},
		{"\"GRACE HOPPER,\"", "Grace Hopper"},
		{"josé garcía", "José García"},
		{"...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := textutil.NormalizeName(tt.in); got != tt.want {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNameKeyFoldsCaseAndComposition(t *testing.T) {
	if textutil.NameKey("JOSE\u0301") != textutil.NameKey("josé") {
		t.Fatal("expected equal keys for decomposed and composed forms")
	}
}

func TestCosine(t *testing.T) {
	if got := textutil.Cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %v, want 1", got)
	}
	if got := textutil.Cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %v, want 0", got)
	}
	if got := textutil.Cosine([]float64{1}, []float64{1, 2}); got != 0 {
		t.Errorf("length mismatch = %v, want 0", got)
	}
	if got := textutil.Cosine(nil, nil); got != 0 {
		t.Errorf("empty vectors = %v, want 0", got)
	}
}

func TestMean(t *testing.T) {
	got := textutil.Mean([][]float64{{1, 2}, {3, 4}, {9}})
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("Mean = %v, want [2 3]", got)
	}
	if textutil.Mean(nil) != nil {
		t.Fatal("Mean(nil) should be nil")
	}
}

func TestVectorFingerprint(t *testing.T) {
	a := textutil.VectorFingerprint([]float64{0.123, 0.456})
	b := textutil.VectorFingerprint([]float64{0.1229, 0.4561})
	if a != b || len(a) != 16 {
		t.Fatalf("fingerprints should agree at two decimals: %s %s", a, b)
	}
	if a == textutil.VectorFingerprint([]float64{0.2, 0.456}) {
		t.Fatal("distinct vectors should differ")
	}
	if textutil.VectorFingerprint(nil) != "" {
		t.Fatal("empty vector should have no fingerprint")
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := textutil.SanitizeToken("Pass 2/Large"); got != "pass_2_large" {
		t.Fatalf("SanitizeToken = %q", got)
	}
	if got := textutil.SanitizeToken("  "); got != "unknown" {
		t.Fatalf("SanitizeToken(blank) = %q", got)
	}
}
