package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func attrString(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return formatValue(v)
	}
}

// formatValueForKey renders sizes, durations, and booleans for humans.
func formatValueForKey(key string, v slog.Value) string {
	v = v.Resolve()
	switch {
	case strings.HasSuffix(key, "_bytes") && v.Kind() == slog.KindInt64:
		return humanize.IBytes(uint64(max(v.Int64(), 0)))
	case strings.HasSuffix(key, "_mib") && v.Kind() == slog.KindInt64:
		return humanize.IBytes(uint64(max(v.Int64(), 0)) << 20)
	case v.Kind() == slog.KindDuration:
		if d := v.Duration(); d >= time.Second {
			return d.Round(10 * time.Millisecond).String()
		}
		return v.Duration().String()
	case v.Kind() == slog.KindBool:
		if v.Bool() {
			return "yes"
		}
		return "no"
	case v.Kind() == slog.KindFloat64 && strings.HasSuffix(key, "_percent"):
		return strconv.FormatFloat(v.Float64(), 'f', 1, 64) + "%"
	}
	return formatValue(v)
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuotes(s) {
			return strconv.Quote(s)
		}
		return s
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(logTimestampLayout)
	default:
		s := attrString(v)
		if needsQuotes(s) {
			return strconv.Quote(s)
		}
		return s
	}
}

func needsQuotes(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r < ' ' || r == '"' {
			return true
		}
	}
	return false
}

func isDebugOnlyKey(key string) bool {
	switch key {
	case FieldCorrelationID, "fingerprint", "integrity", "source_path", "handle":
		return true
	}
	return strings.HasSuffix(key, "_path") || strings.HasSuffix(key, "_dir")
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldDecisionType:
		return "Decision"
	case FieldErrorHint:
		return "Hint"
	case FieldErrorKind:
		return "Error Kind"
	case "decision_result":
		return "Result"
	case "decision_reason":
		return "Reason"
	}
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' || r == '.' })
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, " ")
}
