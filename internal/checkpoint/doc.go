// Package checkpoint persists per-job resume state on disk.
//
// Each job owns a directory under the jobs root holding numbered checkpoint
// records, per-stage unit logs, and stage artifacts. Records are committed
// with write-temp, fsync, rename, and directory fsync so a reader never sees a
// torn record, and every record carries a SHA-256 integrity token verified on
// read. Records are ordered by (epoch, stage index, cursor); a commit that
// does not advance that key is acknowledged as a no-op.
//
// Unit logs hold the per-unit outputs of the stage in progress. Each line is
// prefixed with a CRC-32 of its payload and the record stores the log length
// that was durable at commit time, so bytes appended by a crashed writer are
// ignored on resume.
package checkpoint
