package ffprobe

import (
	"math"
	"testing"
)

func TestResultHelpers(t *testing.T) {
	result := Result{
		Streams: []Stream{
			{CodecType: "video"},
			{CodecType: "audio"},
			{CodecType: "audio"},
		},
		Format: Format{
			Duration: "123.45",
			Size:     "1000",
		},
	}
	if result.AudioStreamCount() != 2 {
		t.Fatalf("expected 2 audio streams, got %d", result.AudioStreamCount())
	}
	if result.DurationSeconds() != 123.45 {
		t.Fatalf("unexpected duration: %v", result.DurationSeconds())
	}
	if result.SizeBytes() != 1000 {
		t.Fatalf("unexpected size: %d", result.SizeBytes())
	}
	if got := result.Segments(30); got != 5 {
		t.Fatalf("Segments(30) = %d, want 5", got)
	}
}

func TestDurationFallsBackToAudioStream(t *testing.T) {
	result := Result{Streams: []Stream{
		{CodecType: "audio", Duration: "59.9"},
		{CodecType: "audio", Duration: "60.0"},
		{CodecType: "video", Duration: "600"},
	}}
	if result.DurationSeconds() != 60 {
		t.Fatalf("unexpected duration: %v", result.DurationSeconds())
	}
	if got := result.Segments(30); got != 2 {
		t.Fatalf("Segments(30) = %d, want 2", got)
	}
}

func TestResultHelpersHandleInvalidNumbers(t *testing.T) {
	result := Result{
		Format: Format{
			Duration: "bad",
			Size:     "-1",
		},
	}
	if !math.IsNaN(result.DurationSeconds()) {
		t.Fatalf("expected duration NaN, got %v", result.DurationSeconds())
	}
	if result.SizeBytes() != 0 {
		t.Fatalf("expected size 0, got %d", result.SizeBytes())
	}
	if result.Segments(30) != 0 {
		t.Fatal("malformed duration should yield no segments")
	}
}
