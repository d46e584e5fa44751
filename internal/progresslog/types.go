// Package progresslog implements the durable, crash-safe append-only
// log the apply engine uses to persist per-origin replication progress
// (spec.md §6: "the host persists per-origin end-LSN"). The on-disk
// format is modeled directly on the teacher's WAL: a fixed file header,
// fixed-size record headers with a CRC32 over the payload, 8-byte
// alignment, and REDO-only recovery — except this log is little-endian
// like the teacher's WAL, a detail unrelated to (and NOT to be confused
// with) the big-endian wire protocol in internal/wire.
package progresslog

import "encoding/binary"

// ByteOrder is the byte order used for every integer in this file
// format.
var ByteOrder = binary.LittleEndian

// RecordAlignment is the byte alignment every record is padded to.
const RecordAlignment = 8

// MaxRecordSize bounds a single record so a corrupted length field
// can't drive an allocation-based OOM during recovery.
const MaxRecordSize = 64 * 1024

// MinRecordSize is a record header with no payload.
const MinRecordSize = RecordHeaderSize

// WriteBufferSize is not used by Log, which writes each record straight
// to the file with WriteAt rather than through a buffered writer.
const WriteBufferSize = 32 * 1024

// Magic identifies a valid progress log file.
var Magic = [8]byte{'L', 'R', 'P', 'G', 'L', 'O', 'G', 0}

// FormatVersion is the current on-disk format version.
const FormatVersion uint16 = 1

// FileHeader is written once at the start of every log file.
// Fixed size: 64 bytes.
type FileHeader struct {
	Magic     [8]byte
	Version   uint16
	_         [6]byte // padding to the next 8-byte boundary
	CreatedAt int64
	_         [40]byte // reserved
}

// FileHeaderSize is the fixed size of FileHeader on disk.
const FileHeaderSize = 64

// RecordType distinguishes the kinds of records this log carries.
type RecordType uint8

const (
	// RecordAdvance is the only steady-state record: one origin's
	// progress moved forward.
	RecordAdvance RecordType = iota + 1
	// RecordCheckpoint snapshots every origin's progress. Recover still
	// reads the log from the start and replays a checkpoint in order
	// like any other record, so it does not shorten a restart's scan.
	RecordCheckpoint
)

func (rt RecordType) String() string {
	switch rt {
	case RecordAdvance:
		return "Advance"
	case RecordCheckpoint:
		return "Checkpoint"
	default:
		return "Unknown"
	}
}

// RecordHeader precedes every record's payload. Fixed size: 32 bytes.
type RecordHeader struct {
	Type       RecordType
	_          uint8
	Length     uint32 // payload length, not including this header or padding
	Seq        uint64 // monotonically increasing record sequence number
	CRC32      uint32 // checksum of the payload
	FileOffset uint64 // byte offset of this record's header in the file
	_          [6]byte
}

// RecordHeaderSize is the fixed size of RecordHeader on disk.
const RecordHeaderSize = 32

// AlignTo8 rounds size up to the next 8-byte boundary.
func AlignTo8(size int) int {
	return (size + 7) &^ 7
}

// AdvanceRecord records that origin's progress moved to EndLSN, paired
// with the local commit's end LSN that made it durable. Payload layout:
// OriginLen(2) + Origin + RemoteEndLSN(8) + LocalEndLSN(8) + Durable(1).
type AdvanceRecord struct {
	Header       RecordHeader
	Origin       string
	RemoteEndLSN int64
	LocalEndLSN  int64
	Durable      bool
}

// CheckpointRecord marks that every origin's progress as of Seq has
// been folded into Progress. Recover replays it in log order; it does
// not begin its scan after the latest checkpoint.
type CheckpointRecord struct {
	Header   RecordHeader
	Progress map[string]int64 // origin name -> remote end LSN
}
