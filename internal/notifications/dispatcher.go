package notifications

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"reel/internal/inference"
	"reel/internal/logging"
)

const (
	defaultBufferSize = 256
	deliveryTimeout   = 30 * time.Second
)

// Dispatcher fans events out to notifiers on a background goroutine.
type Dispatcher struct {
	events    chan inference.Event
	notifiers []Notifier
	logger    *slog.Logger
	dropped   atomic.Int64
	delivered atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

var _ inference.Sink = (*Dispatcher)(nil)

// NewDispatcher starts a dispatcher with the given buffer size.
func NewDispatcher(buffer int, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	d := &Dispatcher{
		events:    make(chan inference.Event, buffer),
		notifiers: notifiers,
		logger:    logging.NewComponentLogger(logger, "notifications"),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues event without blocking. Events emitted after Close, or while
// the buffer is full, are dropped and counted.
func (d *Dispatcher) Emit(_ context.Context, event inference.Event) {
	if d == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.events <- event:
	default:
		if d.dropped.Add(1) == 1 {
			d.logger.Warn("notification buffer full; dropping events",
				logging.String(logging.FieldEventType, "notification_dropped"),
				logging.String(logging.FieldJobID, event.JobID),
				logging.String(logging.FieldImpact, "some progress notifications will not be delivered"))
		}
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Delivered returns how many events were handed to every notifier.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Close stops accepting events and waits until the buffer is drained or ctx
// ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event inference.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			d.logger.Warn("notification delivery failed",
				logging.String(logging.FieldEventType, "notification_failed"),
				logging.String(logging.FieldJobID, event.JobID),
				logging.String("event", string(event.Type)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network reachability"),
				logging.String(logging.FieldImpact, "the job continues; only this notification is lost"))
		}
	}
	d.delivered.Add(1)
}
