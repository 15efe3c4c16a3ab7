package admission

import (
	"errors"
	"os"

	"reel/internal/queue"
)

func validateSource(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &queue.InvalidJobError{SourcePath: path, Reason: "source file does not exist"}
	case err != nil:
		return &queue.InvalidJobError{SourcePath: path, Reason: err.Error()}
	case info.IsDir():
		return &queue.InvalidJobError{SourcePath: path, Reason: "source is a directory"}
	case info.Size() == 0:
		return &queue.InvalidJobError{SourcePath: path, Reason: "source file is empty"}
	}
	return nil
}
