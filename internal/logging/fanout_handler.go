package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	filtered := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopHandler{}
	case 1:
		return filtered[0]
	}
	return &fanoutHandler{handlers: filtered}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for idx, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		rec := record
		if idx < len(h.handlers)-1 {
			rec = record.Clone()
		}
		if err := handler.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// TeeLogger duplicates log output from base into the provided handlers.
func TeeLogger(base *slog.Logger, handlers ...slog.Handler) *slog.Logger {
	if base == nil {
		return slog.New(newFanoutHandler(handlers...))
	}
	all := append([]slog.Handler{base.Handler()}, handlers...)
	return slog.New(newFanoutHandler(all...))
}

// JobLog is a per-job JSON log file that receives a copy of every line the
// engine writes while processing that job.
type JobLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenJobLog opens (appending) the job log at path.
func OpenJobLog(path string) (*JobLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure job log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	return &JobLog{file: file, path: path}, nil
}

// Attach returns base teed into the job log at debug level.
func (l *JobLog) Attach(base *slog.Logger) *slog.Logger {
	if l == nil {
		return base
	}
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	return TeeLogger(base, newJSONHandler(lockedWriter{l}, lvl, false))
}

// Path returns the job log location.
func (l *JobLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close flushes and closes the job log.
func (l *JobLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

type lockedWriter struct{ log *JobLog }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.log.mu.Lock()
	defer w.log.mu.Unlock()
	if w.log.file == nil {
		return 0, io.ErrClosedPipe
	}
	return w.log.file.Write(p)
}
