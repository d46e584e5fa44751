package progresslog

import (
	"fmt"
	"hash/crc32"
)

// Append writes one record of the given type with the given already-
// encoded payload, pads it to the 8-byte alignment, and returns the
// sequence number assigned to it. Mirrors the teacher's writeRecord:
// allocate sequence, checksum payload, build header, write
// header+payload+padding, advance the offset.
func (l *Log) Append(recordType RecordType, payload []byte) (uint64, error) {
	if len(payload) > MaxRecordSize {
		return 0, fmt.Errorf("progresslog: record payload of %d bytes exceeds MaxRecordSize", len(payload))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, fmt.Errorf("progresslog: append on closed log")
	}

	seq := l.allocateSeq()
	hdr := RecordHeader{
		Type:       recordType,
		Length:     uint32(len(payload)),
		Seq:        seq,
		CRC32:      crc32.ChecksumIEEE(payload),
		FileOffset: l.currentOffset,
	}

	encoded := encodeHeader(hdr)
	padded := AlignTo8(len(payload))
	buf := make([]byte, RecordHeaderSize+padded)
	copy(buf, encoded)
	copy(buf[RecordHeaderSize:], payload)

	n, err := l.file.WriteAt(buf, int64(l.currentOffset))
	if err != nil {
		return 0, fmt.Errorf("progresslog: write record: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("progresslog: short write: wrote %d of %d bytes", n, len(buf))
	}

	l.currentOffset += uint64(len(buf))
	return seq, nil
}

// AppendAndSync appends the record then fsyncs the file, satisfying the
// durability requirement that an origin advancement be on disk before
// the next BEGIN is processed.
func (l *Log) AppendAndSync(recordType RecordType, payload []byte) (uint64, error) {
	seq, err := l.Append(recordType, payload)
	if err != nil {
		return 0, err
	}
	if err := l.Sync(); err != nil {
		return 0, fmt.Errorf("progresslog: sync after append: %w", err)
	}
	return seq, nil
}

func encodeHeader(hdr RecordHeader) []byte {
	buf := make([]byte, RecordHeaderSize)
	buf[0] = byte(hdr.Type)
	ByteOrder.PutUint32(buf[4:8], hdr.Length)
	ByteOrder.PutUint64(buf[8:16], hdr.Seq)
	ByteOrder.PutUint32(buf[16:20], hdr.CRC32)
	ByteOrder.PutUint64(buf[20:28], hdr.FileOffset)
	return buf
}

func decodeHeader(buf []byte) RecordHeader {
	return RecordHeader{
		Type:       RecordType(buf[0]),
		Length:     ByteOrder.Uint32(buf[4:8]),
		Seq:        ByteOrder.Uint64(buf[8:16]),
		CRC32:      ByteOrder.Uint32(buf[16:20]),
		FileOffset: ByteOrder.Uint64(buf[20:28]),
	}
}

// EncodeAdvance serializes an AdvanceRecord payload (everything after
// the record header).
func EncodeAdvance(origin string, remoteEndLSN, localEndLSN int64, durable bool) []byte {
	buf := make([]byte, 2+len(origin)+8+8+1)
	ByteOrder.PutUint16(buf[0:2], uint16(len(origin)))
	copy(buf[2:2+len(origin)], origin)
	off := 2 + len(origin)
	ByteOrder.PutUint64(buf[off:off+8], uint64(remoteEndLSN))
	ByteOrder.PutUint64(buf[off+8:off+16], uint64(localEndLSN))
	if durable {
		buf[off+16] = 1
	}
	return buf
}

// DecodeAdvance parses an AdvanceRecord payload encoded by EncodeAdvance.
func DecodeAdvance(payload []byte) (origin string, remoteEndLSN, localEndLSN int64, durable bool, err error) {
	if len(payload) < 2 {
		return "", 0, 0, false, fmt.Errorf("progresslog: truncated advance record")
	}
	nameLen := int(ByteOrder.Uint16(payload[0:2]))
	if len(payload) < 2+nameLen+17 {
		return "", 0, 0, false, fmt.Errorf("progresslog: truncated advance record")
	}
	origin = string(payload[2 : 2+nameLen])
	off := 2 + nameLen
	remoteEndLSN = int64(ByteOrder.Uint64(payload[off : off+8]))
	localEndLSN = int64(ByteOrder.Uint64(payload[off+8 : off+16]))
	durable = payload[off+16] != 0
	return origin, remoteEndLSN, localEndLSN, durable, nil
}

// EncodeCheckpoint serializes a CheckpointRecord payload: a count
// followed by name/value pairs.
func EncodeCheckpoint(progress map[string]int64) []byte {
	size := 4
	for name := range progress {
		size += 2 + len(name) + 8
	}
	buf := make([]byte, size)
	ByteOrder.PutUint32(buf[0:4], uint32(len(progress)))
	off := 4
	for name, lsn := range progress {
		ByteOrder.PutUint16(buf[off:off+2], uint16(len(name)))
		off += 2
		copy(buf[off:off+len(name)], name)
		off += len(name)
		ByteOrder.PutUint64(buf[off:off+8], uint64(lsn))
		off += 8
	}
	return buf
}

// DecodeCheckpoint parses a CheckpointRecord payload encoded by
// EncodeCheckpoint.
func DecodeCheckpoint(payload []byte) (map[string]int64, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("progresslog: truncated checkpoint record")
	}
	count := int(ByteOrder.Uint32(payload[0:4]))
	off := 4
	progress := make(map[string]int64, count)
	for i := 0; i < count; i++ {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("progresslog: truncated checkpoint record")
		}
		nameLen := int(ByteOrder.Uint16(payload[off : off+2]))
		off += 2
		if off+nameLen+8 > len(payload) {
			return nil, fmt.Errorf("progresslog: truncated checkpoint record")
		}
		name := string(payload[off : off+nameLen])
		off += nameLen
		lsn := int64(ByteOrder.Uint64(payload[off : off+8]))
		off += 8
		progress[name] = lsn
	}
	return progress, nil
}
