package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"reel/internal/fileutil"
	"reel/internal/logging"
	"reel/internal/services"
)

const (
	recordPrefix      = "checkpoint-"
	recordSuffix      = ".json"
	artifactsDir      = "artifacts"
	keepGenerations   = 2
	recordPermissions = 0o644
)

// Store manages checkpoint partitions under a jobs root directory. Each job
// is guarded by its own lock; jobs never contend with each other.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	return &Store{
		root:   dir,
		logger: logging.NewComponentLogger(logger, "checkpoint"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the jobs root directory.
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the partition directory for a job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) lockJob(jobID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[jobID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Store) ensureJobDir(jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, `/\`) {
		return "", services.Wrap(services.ErrValidation, "checkpoint", "job dir", fmt.Sprintf("invalid job id %q", jobID), nil)
	}
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job checkpoint dir: %w", err)
	}
	return dir, nil
}

// Commit durably writes rec as the job's newest record. The write is
// all-or-nothing: a crash at any point leaves Latest returning either the
// previous record or rec, never a partial one. Records that do not advance
// past the latest valid record are discarded with Applied=false.
func (s *Store) Commit(ctx context.Context, rec Record) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	unlock := s.lockJob(rec.JobID)
	defer unlock()
	return s.commitLocked(ctx, rec)
}

func (s *Store) commitLocked(ctx context.Context, rec Record) (Ack, error) {
	dir, err := s.ensureJobDir(rec.JobID)
	if err != nil {
		return Ack{}, err
	}
	latest, err := s.latestLocked(ctx, rec.JobID)
	if err != nil {
		return Ack{}, err
	}
	if latest != nil && !rec.Key().After(latest.Key()) {
		s.logger.Debug("checkpoint commit superseded",
			logging.String(logging.FieldJobID, rec.JobID),
			logging.Int("epoch", rec.Epoch),
			logging.Int("stage_index", rec.StageIndex),
			logging.Int("cursor", rec.Cursor),
			logging.Int("latest_stage_index", latest.StageIndex),
			logging.Int("latest_cursor", latest.Cursor),
		)
		return Ack{Applied: false, Record: *latest}, nil
	}

	generations, err := listGenerations(dir)
	if err != nil {
		return Ack{}, err
	}
	next := int64(1)
	if len(generations) > 0 {
		next = generations[len(generations)-1] + 1
	}

	rec = rec.Clone()
	rec.Generation = next
	rec.CommittedAt = time.Now().UTC()
	data, sealed, err := seal(rec)
	if err != nil {
		return Ack{}, err
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, recordName(next)), data, recordPermissions); err != nil {
		return Ack{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	s.prune(dir, append(generations, next))
	return Ack{Applied: true, Record: sealed}, nil
}

// Latest returns the newest record whose integrity verifies. Corrupt
// records are logged and skipped; a job with no valid record returns nil.
func (s *Store) Latest(ctx context.Context, jobID string) (*Record, error) {
	unlock := s.lockJob(jobID)
	defer unlock()
	return s.latestLocked(ctx, jobID)
}

func (s *Store) latestLocked(ctx context.Context, jobID string) (*Record, error) {
	dir := s.JobDir(jobID)
	generations, err := listGenerations(dir)
	if err != nil {
		return nil, err
	}
	for i := len(generations) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, recordName(generations[i]))
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		rec, err := unseal(data)
		if err == nil && rec.JobID != jobID {
			err = fmt.Errorf("record belongs to job %s", rec.JobID)
		}
		if err != nil {
			corrupt := services.Wrap(services.ErrCorruptCheckpoint, "checkpoint", "verify", filepath.Base(path), err)
			logging.WarnWithContext(s.logger, "checkpoint record failed verification; falling back", "checkpoint_corrupt",
				logging.String(logging.FieldJobID, jobID),
				logging.Int64("generation", generations[i]),
				logging.Error(corrupt),
				logging.String(logging.FieldImpact, "resume uses the previous valid record"),
				logging.String(logging.FieldErrorHint, "inspect the job directory for disk or filesystem faults"),
			)
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// Restart commits a record that begins stageIndex again from unit zero under
// a new epoch. Completed outputs of earlier stages are preserved.
func (s *Store) Restart(ctx context.Context, jobID string, stageIndex int, stageName, fingerprint string) (Record, error) {
	unlock := s.lockJob(jobID)
	defer unlock()

	latest, err := s.latestLocked(ctx, jobID)
	if err != nil {
		return Record{}, err
	}
	rec := Record{JobID: jobID, StageIndex: stageIndex, StageName: stageName, StageFingerprint: fingerprint}
	if latest != nil {
		prev := latest.Clone()
		rec.Epoch = prev.Epoch + 1
		rec.Outputs = prev.Outputs
		rec.Skipped = prev.Skipped
	}
	ack, err := s.commitLocked(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	return ack.Record, nil
}

// Purge deletes the job's records and unit logs. Artifacts (and the job log)
// are removed too unless keepArtifacts is set.
func (s *Store) Purge(ctx context.Context, jobID string, keepArtifacts bool) error {
	unlock := s.lockJob(jobID)
	defer unlock()

	dir := s.JobDir(jobID)
	if !keepArtifacts {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purge job dir: %w", err)
		}
		return nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read job dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(isRecordName(name) || isUnitLogName(name)) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("purge %s: %w", name, err)
		}
	}
	return fileutil.SyncDir(dir)
}

// Jobs lists job partitions present under the root.
func (s *Store) Jobs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) prune(dir string, generations []int64) {
	if len(generations) <= keepGenerations {
		return
	}
	for _, gen := range generations[:len(generations)-keepGenerations] {
		path := filepath.Join(dir, recordName(gen))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("checkpoint prune failed", logging.String("path", path), logging.Error(err))
		}
	}
}

func recordName(generation int64) string {
	return fmt.Sprintf("%s%010d%s", recordPrefix, generation, recordSuffix)
}

func isRecordName(name string) bool {
	return strings.HasPrefix(name, recordPrefix) && strings.HasSuffix(name, recordSuffix)
}

func listGenerations(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var generations []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isRecordName(name) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, recordPrefix), recordSuffix)
		gen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		generations = append(generations, gen)
	}
	sort.Slice(generations, func(i, j int) bool { return generations[i] < generations[j] })
	return generations, nil
}
