package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"reel/internal/fileutil"
	"reel/internal/services"
)

// ArtifactRef returns the reference recorded in Record.Outputs for a stage.
func ArtifactRef(stageName string) string {
	return filepath.Join(artifactsDir, stageName+".json")
}

// WriteArtifact atomically stores a finalized stage output and returns its
// reference relative to the job directory.
func (s *Store) WriteArtifact(ctx context.Context, jobID, stageName string, data json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	unlock := s.lockJob(jobID)
	defer unlock()

	dir, err := s.ensureJobDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	ref := ArtifactRef(stageName)
	if err := fileutil.WriteFileAtomic(s.ArtifactPath(jobID, ref), data, recordPermissions); err != nil {
		return "", fmt.Errorf("write %s artifact: %w", stageName, err)
	}
	return ref, nil
}

// ReadArtifact loads a stage output previously written for jobID.
func (s *Store) ReadArtifact(ctx context.Context, jobID, ref string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == "" || filepath.IsAbs(ref) || !filepath.IsLocal(ref) {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "read artifact", fmt.Sprintf("invalid artifact reference %q", ref), nil)
	}
	data, err := os.ReadFile(s.ArtifactPath(jobID, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, services.Wrap(services.ErrNotFound, "checkpoint", "read artifact", ref, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	if !json.Valid(data) {
		return nil, services.Wrap(services.ErrCorruptCheckpoint, "checkpoint", "read artifact", ref+" is not valid JSON", nil)
	}
	return data, nil
}

// ArtifactPath returns the absolute path of an artifact reference.
func (s *Store) ArtifactPath(jobID, ref string) string {
	return filepath.Join(s.JobDir(jobID), ref)
}
