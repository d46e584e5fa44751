package progresslog

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// CorruptRecord reports a record that failed its checksum or otherwise
// cannot be trusted. Recovery treats it as the end of the valid log,
// the same REDO-only stance the teacher's WAL recovery takes on a torn
// write at the tail.
type CorruptRecord struct {
	Offset uint64
	Reason string
}

func (e *CorruptRecord) Error() string {
	return fmt.Sprintf("progresslog: corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// Reader scans a progress log file sequentially from just after the
// file header.
type Reader struct {
	file   *os.File
	offset uint64
}

// OpenReader opens path for sequential record scanning, validating the
// file header first.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("progresslog: open for read: %w", err)
	}

	hdrBuf := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(file, hdrBuf); err != nil {
		file.Close()
		return nil, fmt.Errorf("progresslog: read file header: %w", err)
	}
	if string(hdrBuf[0:8]) != string(Magic[:]) {
		file.Close()
		return nil, fmt.Errorf("progresslog: bad magic, not a progress log file")
	}
	version := ByteOrder.Uint16(hdrBuf[8:10])
	if version != FormatVersion {
		file.Close()
		return nil, fmt.Errorf("progresslog: unsupported format version %d", version)
	}

	return &Reader{file: file, offset: FileHeaderSize}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// Next reads the next record, or returns io.EOF at a clean end of file.
// A record whose checksum doesn't match, or whose declared length runs
// past the remaining file, yields a *CorruptRecord rather than io.EOF —
// callers performing recovery should treat either as "stop here".
func (r *Reader) Next() (RecordHeader, []byte, error) {
	hdrBuf := make([]byte, RecordHeaderSize)
	n, err := r.file.ReadAt(hdrBuf, int64(r.offset))
	if err == io.EOF && n == 0 {
		return RecordHeader{}, nil, io.EOF
	}
	if err != nil && err != io.EOF {
		return RecordHeader{}, nil, fmt.Errorf("progresslog: read record header: %w", err)
	}
	if n < RecordHeaderSize {
		return RecordHeader{}, nil, &CorruptRecord{Offset: r.offset, Reason: "truncated record header"}
	}

	hdr := decodeHeader(hdrBuf)
	if hdr.Type != RecordAdvance && hdr.Type != RecordCheckpoint {
		return RecordHeader{}, nil, &CorruptRecord{Offset: r.offset, Reason: fmt.Sprintf("unknown record type %d", hdr.Type)}
	}
	if hdr.Length > MaxRecordSize {
		return RecordHeader{}, nil, &CorruptRecord{Offset: r.offset, Reason: "record length exceeds MaxRecordSize"}
	}

	padded := AlignTo8(int(hdr.Length))
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		pn, err := r.file.ReadAt(payload, int64(r.offset)+RecordHeaderSize)
		if err != nil && err != io.EOF {
			return RecordHeader{}, nil, fmt.Errorf("progresslog: read record payload: %w", err)
		}
		if pn != int(hdr.Length) {
			return RecordHeader{}, nil, &CorruptRecord{Offset: r.offset, Reason: "truncated record payload"}
		}
	}

	if crc32.ChecksumIEEE(payload) != hdr.CRC32 {
		return RecordHeader{}, nil, &CorruptRecord{Offset: r.offset, Reason: "checksum mismatch"}
	}

	r.offset += RecordHeaderSize + uint64(padded)
	return hdr, payload, nil
}
