package manager

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"
)

// archiveIfDueLocked rolls the most recently completed batch of ArchivePages
// pages into a compressed archive volume once that batch is full. Unlike the
// per-record snappy compression in encodeRecord, this compresses the whole
// raw page range as one lz4 stream — a coarser, second compression layer, so
// an archived volume ends up smaller than the sum of its individually-zipped
// records (SPEC_FULL.md §B). Caller must hold mu; called right after the
// just-filled page has been durably written.
func (m *RedoLogManager) archiveIfDueLocked() error {
	completed := m.curPageID + 1 // pages [0, completed) have been written so far
	if completed%m.cfg.ArchivePages != 0 {
		return nil
	}

	batchStart := completed - m.cfg.ArchivePages
	if err := m.writeArchiveVolumeLocked(batchStart, m.cfg.ArchivePages); err != nil {
		return err
	}
	m.archiveSeq++
	return nil
}

// writeArchiveVolumeLocked reads the raw [start, start+count) page range from
// the active file and writes it, lz4-compressed, to
// <LogDir>/<DBName>_lgar<archiveSeq>, per §6's archive volume naming.
func (m *RedoLogManager) writeArchiveVolumeLocked(start, count int64) error {
	raw := make([]byte, count*int64(m.cfg.PageSize))
	if _, err := m.activeFile.ReadAt(raw, start*int64(m.cfg.PageSize)); err != nil {
		return errors.Annotate(err, "read page range for archive")
	}

	volumePath := filepath.Join(m.cfg.LogDir, archiveVolumeName(m.cfg.DBName, m.archiveSeq))
	f, err := os.Create(volumePath)
	if err != nil {
		return errors.Annotate(err, "create archive volume")
	}
	defer f.Close()

	w := lz4.NewWriter(f)
	if _, err := w.Write(raw); err != nil {
		return errors.Annotate(err, "compress archive volume")
	}
	if err := w.Close(); err != nil {
		return errors.Annotate(err, "flush archive volume")
	}
	return f.Sync()
}

// ArchiveReader decompresses an archive volume back into raw page bytes, for
// media recovery's "stopat" replay over archived pages (§4.4).
type ArchiveReader struct {
	file *os.File
	zr   *lz4.Reader
}

// OpenArchive opens archive volume seq under cfg.LogDir for sequential
// decompression.
func OpenArchive(cfg LogConfig, seq int) (*ArchiveReader, error) {
	path := filepath.Join(cfg.LogDir, archiveVolumeName(cfg.DBName, seq))
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &ArchiveReader{file: f, zr: lz4.NewReader(f)}, nil
}

// Read implements io.Reader over the decompressed page stream.
func (a *ArchiveReader) Read(p []byte) (int, error) {
	return a.zr.Read(p)
}

// Close releases the archive volume's file handle.
func (a *ArchiveReader) Close() error {
	return a.file.Close()
}

func archiveVolumeName(dbName string, seq int) string {
	return dbName + "_lgar" + padSeq(seq)
}

// padSeq renders seq as a fixed 3-digit, zero-padded sequence number, per the
// teacher's existing convention of fixed-width numeric suffixes for rolled
// files (see the original redo_checkpoint naming scheme it replaced).
func padSeq(seq int) string {
	digits := [3]byte{'0', '0', '0'}
	for i := 2; i >= 0 && seq > 0; i-- {
		digits[i] = byte('0' + seq%10)
		seq /= 10
	}
	return string(digits[:])
}
