package queue

import (
	"fmt"

	"reel/internal/services"
)

// InvalidJobError reports a submission rejected at admission. It matches
// services.ErrValidation.
type InvalidJobError struct {
	SourcePath string
	Reason     string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job %q: %s", e.SourcePath, e.Reason)
}

func (e *InvalidJobError) Unwrap() error {
	return services.ErrValidation
}
