package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool      = errors.New("external tool error")
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrTransient         = errors.New("transient failure")
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	ErrInvalidHandle     = errors.New("invalid model handle")
	ErrCancelled         = errors.New("job cancelled")
	ErrPaused            = errors.New("job paused")
)

// ErrorKind is the short classification recorded in logs for a failure.
type ErrorKind string

const (
	KindUnknown      ErrorKind = "unknown"
	KindExternalTool ErrorKind = "external_tool"
	KindValidation   ErrorKind = "validation"
	KindConfig       ErrorKind = "configuration"
	KindNotFound     ErrorKind = "not_found"
	KindTimeout      ErrorKind = "timeout"
	KindTransient    ErrorKind = "transient"
	KindCorrupt      ErrorKind = "corrupt_checkpoint"
	KindHandle       ErrorKind = "invalid_handle"
	KindCancelled    ErrorKind = "cancelled"
	KindPaused       ErrorKind = "paused"
)

// StageError carries the stage context attached by Wrap.
type StageError struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

func (e *StageError) Error() string {
	detail := buildDetail(e.Stage, e.Operation, e.Message)
	marker := e.Marker
	if marker == nil {
		marker = ErrTransient
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", marker, detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", marker, detail)
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Marker != nil {
		errs = append(errs, e.Marker)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &StageError{
		Marker:    marker,
		Stage:     strings.TrimSpace(stage),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// WithHint attaches an operator hint to an error produced by Wrap. Other
// errors are returned unchanged.
func WithHint(err error, hint string) error {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		stageErr.Hint = strings.TrimSpace(hint)
	}
	return err
}

// ErrorDetails is the flattened view of a failure used for logging.
type ErrorDetails struct {
	Kind      ErrorKind
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts classification and context from err.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: Classify(err), Message: err.Error()}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		details.Stage = stageErr.Stage
		details.Operation = stageErr.Operation
		details.Hint = stageErr.Hint
		details.Cause = stageErr.Cause
		if stageErr.Message != "" {
			details.Message = buildDetail(stageErr.Stage, stageErr.Operation, stageErr.Message)
		}
	}
	return details
}

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrPaused):
		return KindPaused
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfig
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidHandle):
		return KindHandle
	case errors.Is(err, ErrCorruptCheckpoint):
		return KindCorrupt
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a stage failure may succeed on another attempt.
// Errors without a marker are treated as transient inference backend failures.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindTimeout, KindExternalTool, KindUnknown:
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
