package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"reel/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "transcribe", "run unit", "worker exited", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"transcribe", "run unit", "worker exited", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestClassifyAndRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      services.ErrorKind
		retryable bool
	}{
		{"validation", services.Wrap(services.ErrValidation, "queue", "submit", "missing source", nil), services.KindValidation, false},
		{"transient", services.Wrap(services.ErrTransient, "transcribe", "run", "backend", errors.New("io")), services.KindTransient, true},
		{"timeout", fmt.Errorf("call: %w", services.ErrTimeout), services.KindTimeout, true},
		{"cancelled", services.ErrCancelled, services.KindCancelled, false},
		{"handle", services.Wrap(services.ErrInvalidHandle, "modelcache", "release", "double release", nil), services.KindHandle, false},
		{"unmarked", errors.New("plain"), services.KindUnknown, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Classify(tc.err); got != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, got)
			}
			if got := services.IsRetryable(tc.err); got != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, got)
			}
		})
	}
}

func TestDetailsExposesStageContext(t *testing.T) {
	cause := errors.New("pipe closed")
	err := services.WithHint(services.Wrap(services.ErrExternalTool, "diarize", "call worker", "no response", cause), "check runner command")
	details := services.Details(fmt.Errorf("outer: %w", err))
	if details.Kind != services.KindExternalTool {
		t.Fatalf("unexpected kind %s", details.Kind)
	}
	if details.Stage != "diarize" || details.Operation != "call worker" {
		t.Fatalf("unexpected stage context %+v", details)
	}
	if details.Hint != "check runner command" {
		t.Fatalf("unexpected hint %q", details.Hint)
	}
	if !errors.Is(details.Cause, cause) {
		t.Fatalf("expected cause to be preserved, got %v", details.Cause)
	}
}
