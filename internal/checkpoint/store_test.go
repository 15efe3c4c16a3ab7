package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reel/internal/checkpoint"
	"reel/internal/logging"
	"reel/internal/services"
)

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	return checkpoint.New(filepath.Join(t.TempDir(), "jobs"), logging.NewNop())
}

func mustCommit(t *testing.T, store *checkpoint.Store, rec checkpoint.Record) checkpoint.Ack {
	t.Helper()
	ack, err := store.Commit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Commit(%+v) failed: %v", rec.Key(), err)
	}
	return ack
}

func recordFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "checkpoint-") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestCommitAndLatest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if rec, err := store.Latest(ctx, "job-1"); err != nil || rec != nil {
		t.Fatalf("Latest on empty job = %v, %v; want nil, nil", rec, err)
	}

	for cursor := 1; cursor <= 4; cursor++ {
		ack := mustCommit(t, store, checkpoint.Record{JobID: "job-1", StageName: "pass-1", Cursor: cursor})
		if !ack.Applied {
			t.Fatalf("commit cursor %d not applied", cursor)
		}
		if ack.Record.Integrity == "" || ack.Record.CommittedAt.IsZero() {
			t.Fatalf("commit did not seal record: %+v", ack.Record)
		}
	}

	latest, err := store.Latest(ctx, "job-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest == nil || latest.Cursor != 4 || latest.Generation != 4 {
		t.Fatalf("unexpected latest: %+v", latest)
	}
	if files := recordFiles(t, store.JobDir("job-1")); len(files) != 2 {
		t.Fatalf("expected two retained generations, got %v", files)
	}
}

func TestCommitIgnoresSupersededRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mustCommit(t, store, checkpoint.Record{JobID: "job-1", StageIndex: 1, StageName: "diarize", Cursor: 3})

	cases := []checkpoint.Record{
		{JobID: "job-1", StageIndex: 1, StageName: "diarize", Cursor: 3},
		{JobID: "job-1", StageIndex: 1, StageName: "diarize", Cursor: 2},
		{JobID: "job-1", StageIndex: 0, StageName: "pass-1", Cursor: 9},
	}
	for _, rec := range cases {
		ack := mustCommit(t, store, rec)
		if ack.Applied {
			t.Fatalf("stale commit %+v was applied", rec.Key())
		}
		if ack.Record.Cursor != 3 || ack.Record.StageIndex != 1 {
			t.Fatalf("ack should carry the latest record, got %+v", ack.Record.Key())
		}
	}

	latest, err := store.Latest(ctx, "job-1")
	if err != nil || latest == nil {
		t.Fatalf("Latest = %v, %v", latest, err)
	}
	if latest.Generation != 1 {
		t.Fatalf("superseded commits must not write records, generation = %d", latest.Generation)
	}
}

func TestLatestSkipsCorruptRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mustCommit(t, store, checkpoint.Record{JobID: "job-1", StageName: "pass-1", Cursor: 5})
	mustCommit(t, store, checkpoint.Record{JobID: "job-1", StageName: "pass-1", Cursor: 6})

	dir := store.JobDir("job-1")
	files := recordFiles(t, dir)
	newest := filepath.Join(dir, files[len(files)-1])
	data, err := os.ReadFile(newest)
	if err != nil {
		t.Fatalf("read newest: %v", err)
	}
	tampered := strings.Replace(string(data), `"cursor": 6`, `"cursor": 7`, 1)
	if tampered == string(data) {
		t.Fatal("tamper did not change the record")
	}
	if err := os.WriteFile(newest, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write tampered record: %v", err)
	}

	latest, err := store.Latest(ctx, "job-1")
	if err != nil {
		t.Fatalf("Latest should not surface corruption: %v", err)
	}
	if latest == nil || latest.Cursor != 5 {
		t.Fatalf("expected fallback to cursor 5, got %+v", latest)
	}

	ack := mustCommit(t, store, checkpoint.Record{JobID: "job-1", StageName: "pass-1", Cursor: 6})
	if !ack.Applied || ack.Record.Generation != 3 {
		t.Fatalf("recommit after corruption = %+v", ack)
	}
}

func TestLatestIgnoresTornTempFile(t *testing.T) {
	store := newStore(t)
	mustCommit(t, store, checkpoint.Record{JobID: "job-1", StageName: "pass-1", Cursor: 2})

	torn := filepath.Join(store.JobDir("job-1"), ".checkpoint-0000000002.json.tmp-123")
	if err := os.WriteFile(torn, []byte(`{"job_id":"job-1","cur`), 0o644); err != nil {
		t.Fatalf("write torn temp: %v", err)
	}
	latest, err := store.Latest(context.Background(), "job-1")
	if err != nil || latest == nil || latest.Cursor != 2 {
		t.Fatalf("Latest = %+v, %v", latest, err)
	}
}

func TestUnitLogDiscardsUncommittedTail(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var committed int64
	var rec checkpoint.Record
	for unit := 0; unit < 3; unit++ {
		payload := json.RawMessage(`{"text":"segment ` + string(rune('a'+unit)) + `"}`)
		ref, err := store.AppendUnit(ctx, "job-1", "pass-1", 0, committed, unit, payload)
		if err != nil {
			t.Fatalf("AppendUnit(%d) failed: %v", unit, err)
		}
		committed = ref.Bytes
		rec = mustCommit(t, store, checkpoint.Record{
			JobID: "job-1", StageName: "pass-1", Cursor: unit + 1,
			UnitLog: ref.Name, UnitLogBytes: ref.Bytes,
		}).Record
	}

	// A crashed writer appended unit 3 but never committed it.
	if _, err := store.AppendUnit(ctx, "job-1", "pass-1", 0, committed, 3, json.RawMessage(`{"text":"orphan"}`)); err != nil {
		t.Fatalf("orphan append failed: %v", err)
	}

	units, err := store.ReadUnits(ctx, &rec)
	if err != nil {
		t.Fatalf("ReadUnits failed: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 committed units, got %d", len(units))
	}
	if string(units[2]) != `{"text":"segment c"}` {
		t.Fatalf("unexpected unit payload %s", units[2])
	}

	ref, err := store.AppendUnit(ctx, "job-1", "pass-1", 0, committed, 3, json.RawMessage(`{"text":"segment d"}`))
	if err != nil {
		t.Fatalf("replay append failed: %v", err)
	}
	rec = mustCommit(t, store, checkpoint.Record{
		JobID: "job-1", StageName: "pass-1", Cursor: 4, UnitLog: ref.Name, UnitLogBytes: ref.Bytes,
	}).Record
	units, err = store.ReadUnits(ctx, &rec)
	if err != nil || len(units) != 4 || string(units[3]) != `{"text":"segment d"}` {
		t.Fatalf("ReadUnits after replay = %d units, %v", len(units), err)
	}
}

func TestReadUnitsDetectsDamage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ref, err := store.AppendUnit(ctx, "job-1", "diarize", 0, 0, 0, json.RawMessage(`{"turns":[]}`))
	if err != nil {
		t.Fatalf("AppendUnit failed: %v", err)
	}
	rec := mustCommit(t, store, checkpoint.Record{
		JobID: "job-1", StageIndex: 1, StageName: "diarize", Cursor: 1, UnitLog: ref.Name, UnitLogBytes: ref.Bytes,
	}).Record

	path := filepath.Join(store.JobDir("job-1"), ref.Name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read unit log: %v", err)
	}
	damaged := strings.Replace(string(data), "turns", "turnz", 1)
	if err := os.WriteFile(path, []byte(damaged), 0o644); err != nil {
		t.Fatalf("write damaged log: %v", err)
	}

	if _, err := store.ReadUnits(ctx, &rec); !errors.Is(err, services.ErrCorruptCheckpoint) {
		t.Fatalf("expected ErrCorruptCheckpoint, got %v", err)
	}

	short := rec
	short.Cursor = 2
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("restore log: %v", err)
	}
	if _, err := store.ReadUnits(ctx, &short); !errors.Is(err, services.ErrCorruptCheckpoint) {
		t.Fatalf("expected ErrCorruptCheckpoint for missing units, got %v", err)
	}
}

func TestRestartBumpsEpoch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mustCommit(t, store, checkpoint.Record{
		JobID: "job-1", StageIndex: 2, StageName: "diarize", Cursor: 7,
		Outputs: map[string]string{"pass-1": "artifacts/pass-1.json", "pass-2": "artifacts/pass-2.json"},
	})

	rec, err := store.Restart(ctx, "job-1", 2, "diarize", "fp-new")
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if rec.Epoch != 1 || rec.Cursor != 0 || rec.StageIndex != 2 || rec.StageFingerprint != "fp-new" {
		t.Fatalf("unexpected restart record: %+v", rec)
	}
	if len(rec.Outputs) != 2 {
		t.Fatalf("restart dropped earlier outputs: %v", rec.Outputs)
	}

	ack := mustCommit(t, store, checkpoint.Record{JobID: "job-1", Epoch: 0, StageIndex: 2, StageName: "diarize", Cursor: 8})
	if ack.Applied {
		t.Fatal("commit from the previous epoch must be superseded")
	}
	ack = mustCommit(t, store, checkpoint.Record{JobID: "job-1", Epoch: 1, StageIndex: 2, StageName: "diarize", Cursor: 1})
	if !ack.Applied {
		t.Fatal("commit in the new epoch should apply")
	}
}

func TestArtifactsAdoptAndPurge(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	artifact := json.RawMessage(`{"segments":[{"text":"hello"}]}`)
	ref, err := store.WriteArtifact(ctx, "job-1", "pass-1", artifact)
	if err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	if onDisk, err := os.ReadFile(store.ArtifactPath("job-1", ref)); err != nil || string(onDisk) != string(artifact) {
		t.Fatalf("artifact at %s = %q, %v", store.ArtifactPath("job-1", ref), onDisk, err)
	}
	unit, err := store.AppendUnit(ctx, "job-1", "diarize", 0, 0, 0, json.RawMessage(`{"turns":[1]}`))
	if err != nil {
		t.Fatalf("AppendUnit failed: %v", err)
	}
	mustCommit(t, store, checkpoint.Record{
		JobID: "job-1", StageIndex: 1, StageName: "diarize", Cursor: 1,
		UnitLog: unit.Name, UnitLogBytes: unit.Bytes,
		Outputs: map[string]string{"pass-1": ref},
	})

	adopted, err := store.Adopt(ctx, "job-1", "job-2")
	if err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if adopted == nil || adopted.JobID != "job-2" || adopted.Cursor != 1 || adopted.Outputs["pass-1"] != ref {
		t.Fatalf("unexpected adopted record: %+v", adopted)
	}
	units, err := store.ReadUnits(ctx, adopted)
	if err != nil || len(units) != 1 {
		t.Fatalf("ReadUnits on adopted job = %v, %v", units, err)
	}
	got, err := store.ReadArtifact(ctx, "job-2", ref)
	if err != nil || string(got) != string(artifact) {
		t.Fatalf("ReadArtifact on adopted job = %s, %v", got, err)
	}

	if err := store.Purge(ctx, "job-1", true); err != nil {
		t.Fatalf("Purge(keep) failed: %v", err)
	}
	if rec, err := store.Latest(ctx, "job-1"); err != nil || rec != nil {
		t.Fatalf("records should be gone after purge, got %+v, %v", rec, err)
	}
	if _, err := store.ReadArtifact(ctx, "job-1", ref); err != nil {
		t.Fatalf("artifacts should survive purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.JobDir("job-1"), unit.Name)); !os.IsNotExist(err) {
		t.Fatalf("unit log should be purged, stat err = %v", err)
	}

	if err := store.Purge(ctx, "job-2", false); err != nil {
		t.Fatalf("Purge(all) failed: %v", err)
	}
	if _, err := os.Stat(store.JobDir("job-2")); !os.IsNotExist(err) {
		t.Fatalf("job dir should be removed, stat err = %v", err)
	}

	if _, err := store.ReadArtifact(ctx, "job-1", "../escape.json"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for escaping ref, got %v", err)
	}
}

func TestUsageReportsVolume(t *testing.T) {
	store := newStore(t)
	if _, err := store.WriteArtifact(context.Background(), "job-1", "pass-1", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	usage, err := store.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.Jobs != 1 || usage.UsedBytes == 0 || usage.TotalBytes == 0 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestCopyArtifactsLeavesRecordsBehind(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ref, err := store.WriteArtifact(ctx, "parent", "draft", json.RawMessage(`{"pass":"draft"}`))
	if err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	mustCommit(t, store, checkpoint.Record{JobID: "parent", StageIndex: 2, Outputs: map[string]string{"draft": ref}})

	if err := store.CopyArtifacts(ctx, "parent", "child"); err != nil {
		t.Fatalf("CopyArtifacts failed: %v", err)
	}
	if _, err := store.ReadArtifact(ctx, "child", ref); err != nil {
		t.Fatalf("artifact missing in child: %v", err)
	}
	if rec, err := store.Latest(ctx, "child"); err != nil || rec != nil {
		t.Fatalf("child must have no records, got %+v, %v", rec, err)
	}
	if err := store.CopyArtifacts(ctx, "child", "child"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("self copy = %v, want validation error", err)
	}
}
