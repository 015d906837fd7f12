package manager

import (
	"encoding/binary"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/snappy"
)

// LSA is a Log Sequence Address: a (page, offset) pair that totally orders every
// record ever appended to the log. NullLSA is the distinguished "no position" value.
type LSA struct {
	PageID int64
	Offset int32
}

// NullLSA is the sentinel "no position" address.
var NullLSA = LSA{PageID: -1, Offset: -1}

// IsNull reports whether this is the NullLSA sentinel.
func (l LSA) IsNull() bool {
	return l.PageID < 0 && l.Offset < 0
}

// Less implements the lexicographic total order over (page, offset).
func (l LSA) Less(other LSA) bool {
	if l.PageID != other.PageID {
		return l.PageID < other.PageID
	}
	return l.Offset < other.Offset
}

// LessEqual reports l <= other under the lexicographic order.
func (l LSA) LessEqual(other LSA) bool {
	return l == other || l.Less(other)
}

// GreaterEqual reports l >= other under the lexicographic order.
func (l LSA) GreaterEqual(other LSA) bool {
	return !l.Less(other)
}

// byteOffsetToLSA converts an absolute byte offset in the log stream into an
// LSA given a fixed page size, per §6's physical-page layout.
func byteOffsetToLSA(off int64, pageSize int32) LSA {
	return LSA{PageID: off / int64(pageSize), Offset: int32(off % int64(pageSize))}
}

// byteOffset is the inverse of byteOffsetToLSA.
func (l LSA) byteOffset(pageSize int32) int64 {
	return l.PageID*int64(pageSize) + int64(l.Offset)
}

// LogRecordType enumerates the record kinds in §3's data model.
type LogRecordType uint8

const (
	RecUndoRedo LogRecordType = iota + 1
	RecDiffUndoRedo
	RecUndo
	RecRedo
	RecExternRedo
	RecPostpone
	RecRunPostpone
	RecCompensate
	RecLogicalCompensate
	RecCommitWithPostpone
	RecCommitTopopeWithPostpone
	RecCommit
	RecAbort
	RecCommitTopope
	RecAbortTopope
	RecSavepoint
	RecStartChkpt
	RecEndChkpt
	RecReplication
	RecEndOfLog
	RecTopopeResult
	RecDummyHead
	RecDummyCrashRecovery
)

func (t LogRecordType) IsUndoRedo() bool {
	return t == RecUndoRedo || t == RecDiffUndoRedo
}

func (t LogRecordType) IsCompensate() bool {
	return t == RecCompensate || t == RecLogicalCompensate
}

// RecoveryIndex is an opaque handle into the redo/undo callback dispatch table
// (§4.4, §9): this package never interprets the ~80 concrete recovery indices, it
// only carries the tag through analysis/redo/undo.
type RecoveryIndex uint16

// RecordHeader is the fixed-size prefix of every log record (§3).
type RecordHeader struct {
	Trid        int64
	PrevTranLSA LSA
	ForwLSA     LSA
	BackLSA     LSA
	Type        LogRecordType
}

// LogRecord is a fully decoded, in-memory log record.
type LogRecord struct {
	LSA       LSA
	Header    RecordHeader
	RcvIndex  RecoveryIndex
	PageID    int64 // target page; ignored when IsLogical is true
	IsLogical bool
	IsNewPage bool
	UndoImage []byte
	RedoImage []byte // for DIFF_UNDOREDO this holds undo XOR redo, not the raw after-image
	RefLSA    LSA    // RUN_POSTPONE.ref_lsa / COMPENSATE.undo_nxlsa source / TOPOPE_RESULT.lastparent_lsa /
	                 // COMMIT_WITH_POSTPONE(_TOPOPE).posp_nxlsa seed
	Timestamp time.Time
}

// zip is the snappy-based payload compressor named in §4.1/§9's "compression flag
// in length" design note: a payload longer than threshold is snappy-encoded and the
// high bit of its stored length field is set so both writer and reader agree.
func zip(payload []byte) []byte {
	return snappy.Encode(nil, payload)
}

// unzip reverses zip. unzip(zip(X)) == X for all X, per §8's round-trip law.
func unzip(payload []byte) ([]byte, error) {
	return snappy.Decode(nil, payload)
}

const compressionThresholdDefault = 256

// compressIfLarge zips payload when it exceeds threshold, returning the bytes to
// store on disk and whether they are compressed.
func compressIfLarge(payload []byte, threshold int) ([]byte, bool) {
	if threshold > 0 && len(payload) > threshold {
		return zip(payload), true
	}
	return payload, false
}

// decompressIfNeeded reverses compressIfLarge.
func decompressIfNeeded(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	return unzip(stored)
}

// lengthField packs a payload length and its compression flag into the high-order
// bit of a uint32, per §4.1: "the high-order length bit flags compression, the
// low-order bits give the compressed length".
const compressionFlagBit = uint32(1) << 31

func encodeLengthField(length int, compressed bool) uint32 {
	field := uint32(length)
	if compressed {
		field |= compressionFlagBit
	}
	return field
}

func decodeLengthField(field uint32) (length int, compressed bool) {
	compressed = field&compressionFlagBit != 0
	length = int(field &^ compressionFlagBit)
	return
}

// XORBytes computes the byte-wise XOR of a and b, per §4.1's DIFF_UNDOREDO
// encoding: redo = undo XOR xor_payload, so redo XOR undo == xor_payload (§8).
// The shorter slice is treated as zero-padded; the result has max(len(a),len(b))
// bytes.
func XORBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = av ^ bv
	}
	return out
}

// checksum computes the xxhash64 checksum used by the page-header contract (§6)
// and by log-page footers, grounded on the teacher's util.HashCode helper.
func checksum(data []byte) uint64 {
	h := xxhash.New64()
	h.Write(data)
	return h.Sum64()
}

// encodeRecord serializes a LogRecord to its on-disk framing:
//
//	trid(8) prevTranLSA(12) forwLSA(12) backLSA(12) type(1) rcvindex(2) pageID(8)
//	flags(1) refLSA(12) timestamp(8) undoLenField(4) undoBytes redoLenField(4) redoBytes
//
// Large undo/redo images are independently zipped per §4.1 before framing; this
// is the per-record compression layer (distinct from the coarser archive-page lz4
// layer in archive.go).
func encodeRecord(r *LogRecord, compressionThreshold int) []byte {
	undoOut, undoCompressed := compressIfLarge(r.UndoImage, compressionThreshold)
	redoOut, redoCompressed := compressIfLarge(r.RedoImage, compressionThreshold)

	buf := make([]byte, 0, 64+len(undoOut)+len(redoOut))
	buf = appendInt64(buf, r.Header.Trid)
	buf = appendLSA(buf, r.Header.PrevTranLSA)
	buf = appendLSA(buf, r.Header.ForwLSA)
	buf = appendLSA(buf, r.Header.BackLSA)
	buf = append(buf, byte(r.Header.Type))
	buf = appendUint16(buf, uint16(r.RcvIndex))
	buf = appendInt64(buf, r.PageID)

	var flags byte
	if r.IsLogical {
		flags |= 1
	}
	if r.IsNewPage {
		flags |= 2
	}
	buf = append(buf, flags)
	buf = appendLSA(buf, r.RefLSA)
	buf = appendInt64(buf, r.Timestamp.UnixNano())

	buf = appendUint32(buf, encodeLengthField(len(undoOut), undoCompressed))
	buf = append(buf, undoOut...)
	buf = appendUint32(buf, encodeLengthField(len(redoOut), redoCompressed))
	buf = append(buf, redoOut...)
	return buf
}

// decodeRecord is the inverse of encodeRecord. decode(encode(R)) == R for every
// record type (§8).
func decodeRecord(buf []byte) (*LogRecord, int, error) {
	r := &LogRecord{}
	off := 0

	trid, n := readInt64(buf[off:])
	r.Header.Trid = trid
	off += n

	prev, n := readLSA(buf[off:])
	r.Header.PrevTranLSA = prev
	off += n

	forw, n := readLSA(buf[off:])
	r.Header.ForwLSA = forw
	off += n

	back, n := readLSA(buf[off:])
	r.Header.BackLSA = back
	off += n

	if off >= len(buf) {
		return nil, 0, ErrCorruptLogRecord
	}
	r.Header.Type = LogRecordType(buf[off])
	off++

	rcv, n := readUint16(buf[off:])
	r.RcvIndex = RecoveryIndex(rcv)
	off += n

	pageID, n := readInt64(buf[off:])
	r.PageID = pageID
	off += n

	if off >= len(buf) {
		return nil, 0, ErrCorruptLogRecord
	}
	flags := buf[off]
	r.IsLogical = flags&1 != 0
	r.IsNewPage = flags&2 != 0
	off++

	refLSA, n := readLSA(buf[off:])
	r.RefLSA = refLSA
	off += n

	ts, n := readInt64(buf[off:])
	r.Timestamp = time.Unix(0, ts)
	off += n

	undoLenField, n := readUint32(buf[off:])
	off += n
	undoLen, undoCompressed := decodeLengthField(undoLenField)
	if off+undoLen > len(buf) {
		return nil, 0, ErrCorruptLogRecord
	}
	undoStored := buf[off : off+undoLen]
	off += undoLen
	undoImage, err := decompressIfNeeded(undoStored, undoCompressed)
	if err != nil {
		return nil, 0, err
	}
	r.UndoImage = undoImage

	redoLenField, n := readUint32(buf[off:])
	off += n
	redoLen, redoCompressed := decodeLengthField(redoLenField)
	if off+redoLen > len(buf) {
		return nil, 0, ErrCorruptLogRecord
	}
	redoStored := buf[off : off+redoLen]
	off += redoLen
	redoImage, err := decompressIfNeeded(redoStored, redoCompressed)
	if err != nil {
		return nil, 0, err
	}
	r.RedoImage = redoImage

	return r, off, nil
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLSA(buf []byte, l LSA) []byte {
	buf = appendInt64(buf, l.PageID)
	return appendUint32(buf, uint32(l.Offset))
}

func readInt64(buf []byte) (int64, int) {
	return int64(binary.BigEndian.Uint64(buf[:8])), 8
}

func readUint32(buf []byte) (uint32, int) {
	return binary.BigEndian.Uint32(buf[:4]), 4
}

func readUint16(buf []byte) (uint16, int) {
	return binary.BigEndian.Uint16(buf[:2]), 2
}

func readLSA(buf []byte) (LSA, int) {
	pageID, n1 := readInt64(buf)
	offRaw, n2 := readUint32(buf[n1:])
	return LSA{PageID: pageID, Offset: int32(offRaw)}, n1 + n2
}

// LogStats mirrors the teacher's LogStats: aggregate counters surfaced for
// monitoring, not consumed by recovery logic itself.
type LogStats struct {
	TotalLogs     uint64
	TotalSize     uint64
	AvgLogSize    uint64
	WriteLatency  time.Duration
	FlushLatency  time.Duration
	LogsPerSecond float64
}

// LogConfig collects the §6 environment inputs that govern the log manager.
type LogConfig struct {
	LogDir               string
	DBName               string
	PageSize             int32
	BufferSize           int
	FlushInterval        time.Duration
	CompressionThreshold int
	ArchivePages         int64 // how many filled pages trigger an archive roll
}

func (c *LogConfig) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 8192
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = compressionThresholdDefault
	}
	if c.ArchivePages <= 0 {
		c.ArchivePages = 1024
	}
	if c.DBName == "" {
		c.DBName = "db"
	}
}
