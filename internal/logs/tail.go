package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	pollInterval  = 250 * time.Millisecond
	maxLineLength = 1024 * 1024
)

// Options controls a Tail call. A negative Offset returns the last Limit
// lines; otherwise reading resumes at Offset. Follow waits up to Wait for new
// lines when none are available. Lines not containing Filter are dropped.
type Options struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	Filter string
}

// Result carries the lines read and the offset to resume from.
type Result struct {
	Lines  []string
	Offset int64
}

// Tail reads lines from the log at path. A missing file yields no lines and
// offset zero so callers can poll before the daemon writes anything.
func Tail(ctx context.Context, path string, opts Options) (Result, error) {
	result := Result{Offset: opts.Offset}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Offset = 0
			return result, nil
		}
		return result, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("log path %q is a directory", path)
	}
	opts.Wait = max(opts.Wait, 0)
	keep := lineFilter(opts.Filter)

	if opts.Offset < 0 {
		lines, offset, err := readLast(path, opts.Limit, keep)
		if err != nil {
			return result, err
		}
		result = Result{Lines: lines, Offset: offset}
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			offset = info.Size()
		}
		lines, next, err := readFrom(path, offset, keep)
		if err != nil {
			return result, err
		}
		result = Result{Lines: lines, Offset: next}
	}

	if opts.Follow && opts.Wait > 0 && len(result.Lines) == 0 {
		return waitForLines(ctx, path, result.Offset, opts.Wait, keep)
	}
	return result, nil
}

func lineFilter(filter string) func(string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return func(string) bool { return true }
	}
	return func(line string) bool { return strings.Contains(line, filter) }
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	return scanner
}

// readLast keeps the final limit matching lines in a ring buffer.
func readLast(path string, limit int, keep func(string) bool) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	ring := make([]string, limit)
	count, idx := 0, 0
	scanner := newScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !keep(line) {
			continue
		}
		ring[idx] = line
		idx = (idx + 1) % limit
		count = min(count+1, limit)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}

	lines := make([]string, count)
	if count == limit {
		for i := range count {
			lines[i] = ring[(idx+i)%limit]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, end, nil
}

// readFrom returns matching complete lines after offset. A trailing partial
// line is left for the next call.
func readFrom(path string, offset int64, keep func(string) bool) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}
	reader := bufio.NewReaderSize(file, 64*1024)
	var lines []string
	next := offset
	for {
		raw, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read log file: %w", err)
		}
		next += int64(len(raw))
		line := strings.TrimRight(raw, "\r\n")
		if keep(line) {
			lines = append(lines, line)
		}
	}
	return lines, next, nil
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration, keep func(string) bool) (Result, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	result := Result{Offset: offset}
	for {
		lines, next, err := readFrom(path, result.Offset, keep)
		if err != nil {
			return result, err
		}
		result.Offset = next
		if len(lines) > 0 {
			result.Lines = lines
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}
