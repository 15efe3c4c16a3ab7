package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"reel/internal/services"
)

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "admission", "ffprobe",
			strings.TrimSpace(string(output)), err)
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "audio") {
			count++
		}
	}
	return count
}

// DurationSeconds returns the container duration in seconds. When the
// container reports none, the longest audio stream is used. Returns 0 when
// no duration is available and NaN when the reported value is malformed.
func (r Result) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d != 0 {
		return d
	}
	longest := 0.0
	for _, stream := range r.Streams {
		if !strings.EqualFold(stream.CodecType, "audio") {
			continue
		}
		if d := parseFloat(stream.Duration); !math.IsNaN(d) && d > longest {
			longest = d
		}
	}
	return longest
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// Segments returns how many segments of segmentSeconds cover the duration.
func (r Result) Segments(segmentSeconds int) int {
	d := r.DurationSeconds()
	if segmentSeconds <= 0 || math.IsNaN(d) || d <= 0 {
		return 0
	}
	return int(math.Ceil(d / float64(segmentSeconds)))
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
