package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Usage summarizes checkpoint storage on disk.
type Usage struct {
	Root       string
	Jobs       int
	UsedBytes  int64
	FreeBytes  uint64
	TotalBytes uint64
}

// Usage walks the jobs root and reports its size alongside the free space of
// the volume holding it.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{Root: s.root}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return usage, fmt.Errorf("create jobs root: %w", err)
	}
	jobs, err := s.Jobs()
	if err != nil {
		return usage, err
	}
	usage.Jobs = len(jobs)

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		usage.UsedBytes += info.Size()
		return nil
	})
	if err != nil {
		return usage, fmt.Errorf("walk jobs root: %w", err)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(s.root, &stat); err != nil {
		return usage, fmt.Errorf("statfs %s: %w", s.root, err)
	}
	usage.FreeBytes = stat.Bavail * uint64(stat.Bsize)
	usage.TotalBytes = stat.Blocks * uint64(stat.Bsize)
	return usage, nil
}
