package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"reel/internal/fileutil"
	"reel/internal/services"
)

// Adopt copies the preserved state of job from into job to, so a resubmitted
// job resumes where the original stopped. The newest valid record is
// re-committed under the new job id; its unit log and all artifacts are
// copied and verified first.
func (s *Store) Adopt(ctx context.Context, from, to string) (*Record, error) {
	if from == to {
		return nil, services.Wrap(services.ErrValidation, "checkpoint", "adopt", "source and target job are the same", nil)
	}
	source, err := s.Latest(ctx, from)
	if err != nil {
		return nil, err
	}
	srcDir := s.JobDir(from)

	unlock := s.lockJob(to)
	defer unlock()

	dstDir, err := s.ensureJobDir(to)
	if err != nil {
		return nil, err
	}
	if err := s.copyArtifacts(ctx, srcDir, dstDir); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, nil
	}
	if source.UnitLog != "" {
		if err := fileutil.CopyFileVerified(filepath.Join(srcDir, source.UnitLog), filepath.Join(dstDir, source.UnitLog)); err != nil {
			return nil, fmt.Errorf("adopt unit log: %w", err)
		}
	}
	rec := source.Clone()
	rec.JobID = to
	rec.Generation = 0
	rec.Integrity = ""
	ack, err := s.commitLocked(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &ack.Record, nil
}

// CopyArtifacts copies every stage artifact of job from into job to without
// touching checkpoint records. Reprocessed jobs start from these outputs.
func (s *Store) CopyArtifacts(ctx context.Context, from, to string) error {
	if from == to {
		return services.Wrap(services.ErrValidation, "checkpoint", "copy artifacts", "source and target job are the same", nil)
	}
	unlock := s.lockJob(to)
	defer unlock()
	dstDir, err := s.ensureJobDir(to)
	if err != nil {
		return err
	}
	return s.copyArtifacts(ctx, s.JobDir(from), dstDir)
}

func (s *Store) copyArtifacts(ctx context.Context, srcDir, dstDir string) error {
	entries, err := os.ReadDir(filepath.Join(srcDir, artifactsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read artifacts: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dstDir, artifactsDir), 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(srcDir, artifactsDir, entry.Name())
		dst := filepath.Join(dstDir, artifactsDir, entry.Name())
		if err := fileutil.CopyFileVerified(src, dst); err != nil {
			return fmt.Errorf("adopt artifact %s: %w", entry.Name(), err)
		}
	}
	return fileutil.SyncDir(filepath.Join(dstDir, artifactsDir))
}
