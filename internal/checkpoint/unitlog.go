package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reel/internal/services"
	"reel/internal/textutil"
)

const unitLogPrefix = "units-"

// UnitLogRef identifies a unit log and its length after an append.
type UnitLogRef struct {
	Name  string
	Bytes int64
}

type unitLine struct {
	Unit    int             `json:"unit"`
	Payload json.RawMessage `json:"payload"`
}

// UnitLogName returns the unit log file name for a stage attempt.
func UnitLogName(stageName string, epoch int) string {
	return fmt.Sprintf("%s%s-%d.log", unitLogPrefix, textutil.SanitizeToken(stageName), epoch)
}

func isUnitLogName(name string) bool {
	return strings.HasPrefix(name, unitLogPrefix) && strings.HasSuffix(name, ".log")
}

// AppendUnit appends the output of one unit to the stage's unit log. The log
// is first cut back to committedBytes so output written after the last
// committed record is discarded. The append is fsynced before returning; the
// caller commits a record carrying the returned length.
func (s *Store) AppendUnit(ctx context.Context, jobID, stageName string, epoch int, committedBytes int64, unit int, payload json.RawMessage) (UnitLogRef, error) {
	if err := ctx.Err(); err != nil {
		return UnitLogRef{}, err
	}
	unlock := s.lockJob(jobID)
	defer unlock()

	dir, err := s.ensureJobDir(jobID)
	if err != nil {
		return UnitLogRef{}, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(unitLine{Unit: unit, Payload: payload})
	if err != nil {
		return UnitLogRef{}, fmt.Errorf("encode unit %d: %w", unit, err)
	}
	line := fmt.Sprintf("%08x\t%s\n", crc32.ChecksumIEEE(body), body)

	name := UnitLogName(stageName, epoch)
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return UnitLogRef{}, fmt.Errorf("open unit log: %w", err)
	}
	defer file.Close()

	if committedBytes < 0 {
		committedBytes = 0
	}
	if err := file.Truncate(committedBytes); err != nil {
		return UnitLogRef{}, fmt.Errorf("truncate unit log: %w", err)
	}
	if _, err := file.WriteAt([]byte(line), committedBytes); err != nil {
		return UnitLogRef{}, fmt.Errorf("append unit log: %w", err)
	}
	if err := file.Sync(); err != nil {
		return UnitLogRef{}, fmt.Errorf("sync unit log: %w", err)
	}
	return UnitLogRef{Name: name, Bytes: committedBytes + int64(len(line))}, nil
}

// ReadUnits returns the unit outputs covered by rec, in unit order. Bytes
// past rec.UnitLogBytes are ignored. A checksum mismatch, a gap in the unit
// sequence, or fewer units than rec.Cursor yields ErrCorruptCheckpoint.
func (s *Store) ReadUnits(ctx context.Context, rec *Record) ([]json.RawMessage, error) {
	if rec == nil || rec.Cursor == 0 {
		return nil, nil
	}
	unlock := s.lockJob(rec.JobID)
	defer unlock()

	corrupt := func(msg string, err error) error {
		return services.Wrap(services.ErrCorruptCheckpoint, rec.StageName, "read units", msg, err)
	}
	if rec.UnitLog == "" {
		return nil, corrupt("record has a cursor but no unit log", nil)
	}
	file, err := os.Open(filepath.Join(s.JobDir(rec.JobID), rec.UnitLog))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, corrupt("unit log missing", err)
		}
		return nil, fmt.Errorf("open unit log: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(io.LimitReader(file, rec.UnitLogBytes))
	units := make([]json.RawMessage, 0, rec.Cursor)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(raw) > 0 {
				return nil, corrupt("unit log ends mid-line", nil)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read unit log: %w", err)
		}
		sumText, body, ok := bytes.Cut(bytes.TrimSuffix(raw, []byte("\n")), []byte("\t"))
		if !ok {
			return nil, corrupt(fmt.Sprintf("malformed line %d", len(units)), nil)
		}
		want, err := strconv.ParseUint(string(sumText), 16, 32)
		if err != nil || uint32(want) != crc32.ChecksumIEEE(body) {
			return nil, corrupt(fmt.Sprintf("checksum mismatch at line %d", len(units)), err)
		}
		var line unitLine
		if err := json.Unmarshal(body, &line); err != nil {
			return nil, corrupt(fmt.Sprintf("decode line %d", len(units)), err)
		}
		if line.Unit != len(units) {
			return nil, corrupt(fmt.Sprintf("expected unit %d, found %d", len(units), line.Unit), nil)
		}
		units = append(units, line.Payload)
	}
	if len(units) != rec.Cursor {
		return nil, corrupt(fmt.Sprintf("log holds %d units, record cursor is %d", len(units), rec.Cursor), nil)
	}
	return units, nil
}
