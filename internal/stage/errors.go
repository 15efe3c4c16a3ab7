package stage

import (
	"fmt"

	"reel/internal/services"
)

func missingInput(c Capability) error {
	return services.Wrap(services.ErrValidation, "stage", "resolve input", fmt.Sprintf("no completed stage provides %s", c), nil)
}

func decodeInput(c Capability, err error) error {
	return services.Wrap(services.ErrCorruptCheckpoint, "stage", "decode input", fmt.Sprintf("%s artifact is unreadable", c), err)
}
