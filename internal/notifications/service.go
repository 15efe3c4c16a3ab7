package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/logging"
)

const userAgent = "reel/0.1"

// Notifier delivers one event to a destination.
type Notifier interface {
	Notify(ctx context.Context, event inference.Event) error
}

// NewNtfy builds a notifier that posts events to an ntfy topic URL.
func NewNtfy(endpoint string, timeout time.Duration, progress bool) Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyNotifier{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
		progress: progress,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyNotifier struct {
	endpoint string
	client   *http.Client
	progress bool
}

func (n *ntfyNotifier) Notify(ctx context.Context, event inference.Event) error {
	data, ok := n.format(event)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

// format renders an event for ntfy. Per-unit progress is only published when
// enabled; everything else maps to one short message.
func (n *ntfyNotifier) format(event inference.Event) (payload, bool) {
	short := shortID(event.JobID)
	switch event.Type {
	case inference.EventJobStarted:
		return payload{
			title:   "reel - Job Started",
			message: fmt.Sprintf("Job %s started at %s", short, orUnknown(event.Stage)),
			tags:    []string{"reel", "job", "started"},
		}, true
	case inference.EventUnitCommitted:
		if !n.progress {
			return payload{}, false
		}
		return payload{
			title:    "reel - Progress",
			message:  fmt.Sprintf("Job %s %s: %d/%d (%.0f%%)", short, event.Stage, event.Cursor, event.Units, event.Percent),
			tags:     []string{"reel", "progress"},
			priority: "low",
		}, true
	case inference.EventStageComplete:
		return payload{
			title:   "reel - Stage Complete",
			message: fmt.Sprintf("Job %s finished %s", short, event.Stage),
			tags:    []string{"reel", "stage", "completed"},
		}, true
	case inference.EventStageSkipped:
		return payload{
			title:    "reel - Stage Skipped",
			message:  fmt.Sprintf("Job %s skipped %s", short, event.Stage),
			tags:     []string{"reel", "stage", "skipped"},
			priority: "low",
		}, true
	case inference.EventJobFinished:
		data := payload{
			title:   "reel - Job " + titleCase(event.Status),
			message: fmt.Sprintf("Job %s %s", short, orUnknown(event.Status)),
			tags:    []string{"reel", "job", event.Status},
		}
		if event.Message != "" {
			data.message += ": " + event.Message
		}
		switch event.Status {
		case "failed":
			data.priority = "high"
		case "completed":
			data.priority = "default"
		}
		return data, true
	default:
		return payload{}, false
	}
}

func (n *ntfyNotifier) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil || n.endpoint == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NewLog builds a notifier that writes events to the structured log.
// Unit progress is logged at debug level.
func NewLog(logger *slog.Logger) Notifier {
	return logNotifier{logger: logging.NewComponentLogger(logger, "events")}
}

type logNotifier struct {
	logger *slog.Logger
}

func (l logNotifier) Notify(ctx context.Context, event inference.Event) error {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, string(event.Type)),
		logging.String(logging.FieldJobID, event.JobID),
	}
	if event.Stage != "" {
		attrs = append(attrs, logging.String(logging.FieldStage, event.Stage))
	}
	if event.Units > 0 {
		attrs = append(attrs,
			logging.Int("cursor", event.Cursor),
			logging.Int("units", event.Units),
			logging.Float64("percent", event.Percent))
	}
	if event.Status != "" {
		attrs = append(attrs, logging.String("status", event.Status))
	}
	if event.Message != "" {
		attrs = append(attrs, logging.String("message", event.Message))
	}
	level := slog.LevelInfo
	if event.Type == inference.EventUnitCommitted {
		level = slog.LevelDebug
	}
	l.logger.Log(ctx, level, "pipeline event", logging.Args(attrs...)...)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}

func titleCase(value string) string {
	value = orUnknown(value)
	return strings.ToUpper(value[:1]) + value[1:]
}

// FromConfig builds the dispatcher described by cfg. The returned dispatcher
// is already running; Close drains it.
func FromConfig(cfg config.Notifications, logger *slog.Logger) *Dispatcher {
	notifiers := []Notifier{NewLog(logger)}
	if topic := strings.TrimSpace(cfg.NtfyTopic); topic != "" {
		notifiers = append(notifiers, NewNtfy(topic, time.Duration(cfg.RequestTimeout)*time.Second, cfg.Progress))
	}
	return NewDispatcher(cfg.BufferSize, logger, notifiers...)
}
