package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	logTimestampLayout = "2006-01-02 15:04:05"
	maxInfoValueLen    = 160
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

type prettyHandler struct {
	mu        *sync.Mutex
	writer    io.Writer
	level     *slog.LevelVar
	attrs     []slog.Attr
	groups    []string
	addSource bool
	color     bool
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource, color bool) slog.Handler {
	return &prettyHandler{mu: &sync.Mutex{}, writer: w, level: lvl, addSource: addSource, color: color}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < h.level.Level() {
		return nil
	}

	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	kvs := make([]kv, 0, record.NumAttrs()+len(h.attrs))
	flattenAttrs(&kvs, h.groups, h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(&kvs, h.groups, attr)
		return true
	})
	kvs = dedupeKVsByKey(kvs)

	var component, worker, jobID, stage string
	fields := make([]kv, 0, len(kvs))
	for _, kv := range kvs {
		switch kv.key {
		case FieldComponent:
			component = attrString(kv.value)
		case FieldWorker:
			worker = attrString(kv.value)
		case FieldJobID:
			jobID = attrString(kv.value)
		case FieldStage:
			stage = attrString(kv.value)
		default:
			fields = append(fields, kv)
		}
	}

	message := strings.TrimSpace(record.Message)
	if message == "" {
		message = "(no message)"
	}

	var buf bytes.Buffer
	buf.Grow(256 + len(fields)*32)
	buf.WriteString(timestamp.In(time.Local).Format(logTimestampLayout))
	buf.WriteByte(' ')
	buf.WriteString(h.levelLabel(record.Level))
	if component != "" {
		buf.WriteString(" [")
		buf.WriteString(component)
		buf.WriteByte(']')
	}
	if subject := FormatSubject(worker, jobID, stage); subject != "" {
		buf.WriteByte(' ')
		buf.WriteString(subject)
	}
	buf.WriteString(" – ")
	buf.WriteString(message)
	if h.addSource && record.PC != 0 {
		if src := record.Source(); src != nil {
			buf.WriteString(" [")
			buf.WriteString(filepath.Base(src.File))
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(src.Line))
			buf.WriteByte(']')
		}
	}
	buf.WriteByte('\n')

	verbose := record.Level < slog.LevelInfo
	for _, kv := range fields {
		if !verbose && isDebugOnlyKey(kv.key) {
			continue
		}
		value := formatValueForKey(kv.key, kv.value)
		if !verbose && len(value) > maxInfoValueLen {
			value = value[:maxInfoValueLen] + "…"
		}
		buf.WriteString("    - ")
		buf.WriteString(displayLabel(kv.key))
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteByte('\n')
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *prettyHandler) clone() *prettyHandler {
	clone := &prettyHandler{
		mu:        h.mu,
		writer:    h.writer,
		level:     h.level,
		addSource: h.addSource,
		color:     h.color,
	}
	if len(h.attrs) > 0 {
		clone.attrs = make([]slog.Attr, len(h.attrs))
		copy(clone.attrs, h.attrs)
	}
	if len(h.groups) > 0 {
		clone.groups = make([]string, len(h.groups))
		copy(clone.groups, h.groups)
	}
	return clone
}

func (h *prettyHandler) levelLabel(level slog.Level) string {
	var label, color string
	switch {
	case level >= slog.LevelError:
		label, color = "ERROR", ansiRed
	case level >= slog.LevelWarn:
		label, color = "WARN", ansiYellow
	case level >= slog.LevelInfo:
		label, color = "INFO", ansiCyan
	default:
		label, color = "DEBUG", ansiGray
	}
	if !h.color {
		return label
	}
	return color + label + ansiReset
}

// FormatSubject builds the worker/job/stage subject string used in console output.
func FormatSubject(worker, jobID, stage string) string {
	worker = strings.TrimSpace(worker)
	jobID = strings.TrimSpace(jobID)
	stage = strings.TrimSpace(stage)
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	parts := make([]string, 0, 2)
	if worker != "" {
		parts = append(parts, "Worker "+worker)
	}
	switch {
	case jobID != "" && stage != "":
		parts = append(parts, "Job "+jobID+" ("+stage+")")
	case jobID != "":
		parts = append(parts, "Job "+jobID)
	case stage != "":
		parts = append(parts, stage)
	}
	return strings.Join(parts, " · ")
}

type kv struct {
	key   string
	value slog.Value
}

func dedupeKVsByKey(attrs []kv) []kv {
	if len(attrs) < 2 {
		return attrs
	}
	positions := make(map[string]int, len(attrs))
	deduped := make([]kv, 0, len(attrs))
	for _, attr := range attrs {
		if attr.key == "" {
			continue
		}
		if pos, ok := positions[attr.key]; ok {
			deduped[pos].value = attr.value
			continue
		}
		positions[attr.key] = len(deduped)
		deduped = append(deduped, attr)
	}
	return deduped
}

func flattenAttrs(dst *[]kv, prefix []string, attrs []slog.Attr) {
	for _, attr := range attrs {
		flattenAttr(dst, prefix, attr)
	}
}

func flattenAttr(dst *[]kv, prefix []string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	attr.Value = attr.Value.Resolve()
	if attr.Value.Kind() == slog.KindGroup {
		next := prefix
		if attr.Key != "" {
			next = append(append([]string(nil), prefix...), attr.Key)
		}
		flattenAttrs(dst, next, attr.Value.Group())
		return
	}
	key := attr.Key
	if len(prefix) > 0 {
		key = strings.Join(append(append([]string(nil), prefix...), key), ".")
	}
	*dst = append(*dst, kv{key: key, value: attr.Value})
}
