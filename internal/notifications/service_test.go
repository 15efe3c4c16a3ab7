package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/notifications"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []inference.Event
	block  chan struct{}
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, event inference.Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	rec := &recordingNotifier{}
	d := notifications.NewDispatcher(8, nil, rec)
	for i := 1; i <= 3; i++ {
		d.Emit(context.Background(), inference.Event{Type: inference.EventUnitCommitted, JobID: "job", Cursor: i})
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rec.count() != 3 {
		t.Fatalf("delivered %d events, want 3", rec.count())
	}
	for i, event := range rec.events {
		if event.Cursor != i+1 {
			t.Fatalf("event %d has cursor %d", i, event.Cursor)
		}
		if event.Time.IsZero() {
			t.Fatal("expected event time to be stamped")
		}
	}
}

func TestEmitNeverBlocksWhenBufferFull(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	d := notifications.NewDispatcher(1, nil, rec)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Emit(context.Background(), inference.Event{Type: inference.EventUnitCommitted, JobID: "job", Cursor: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled notifier")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
	close(rec.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	d.Emit(context.Background(), inference.Event{JobID: "late"})
}

func TestNotifierErrorsAreContained(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("boom")}
	healthy := &recordingNotifier{}
	d := notifications.NewDispatcher(4, nil, failing, healthy)
	d.Emit(context.Background(), inference.Event{Type: inference.EventJobFinished, JobID: "job", Status: "failed"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if healthy.count() != 1 || d.Delivered() != 1 {
		t.Fatalf("healthy=%d delivered=%d", healthy.count(), d.Delivered())
	}
}

func TestNtfyFormatsEvents(t *testing.T) {
	type captured struct {
		title, tags, priority, body string
	}
	var (
		mu  sync.Mutex
		got []captured
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := notifications.NewNtfy(server.URL, time.Second, false)
	ctx := context.Background()
	events := []inference.Event{
		{Type: inference.EventUnitCommitted, JobID: "0123456789", Stage: "draft", Cursor: 1, Units: 10},
		{Type: inference.EventStageComplete, JobID: "0123456789", Stage: "draft"},
		{Type: inference.EventJobFinished, JobID: "0123456789", Status: "failed", Message: "runner crashed"},
	}
	for _, event := range events {
		if err := n.Notify(ctx, event); err != nil {
			t.Fatalf("Notify(%s) failed: %v", event.Type, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected progress to be suppressed, got %d posts", len(got))
	}
	if got[0].title != "reel - Stage Complete" || got[0].body != "Job 01234567 finished draft" {
		t.Fatalf("unexpected stage post: %+v", got[0])
	}
	if got[1].title != "reel - Job Failed" || got[1].priority != "high" || got[1].tags != "reel,job,failed" {
		t.Fatalf("unexpected finish post: %+v", got[1])
	}
	if got[1].body != "Job 01234567 failed: runner crashed" {
		t.Fatalf("unexpected finish body: %q", got[1].body)
	}
}

func TestNtfyReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	n := notifications.NewNtfy(server.URL, time.Second, true)
	err := n.Notify(context.Background(), inference.Event{Type: inference.EventJobStarted, JobID: "job"})
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestFromConfigWithoutTopicStillLogs(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	d := notifications.FromConfig(cfg.Notifications, nil)
	d.Emit(context.Background(), inference.Event{Type: inference.EventJobStarted, JobID: "job"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if d.Delivered() != 1 {
		t.Fatalf("delivered = %d, want 1", d.Delivered())
	}
}
