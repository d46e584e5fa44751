// Package wire implements the byte-oriented framing primitives shared by
// every message the replication protocol puts on the wire: fixed-width
// integers, length-prefixed NUL-terminated strings, and length-prefixed
// blobs. All integers are big-endian, matching the upstream/downstream
// wire protocol (the on-disk progress log in internal/progresslog uses a
// different, little-endian format and is unrelated to this package).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ByteOrder is the byte order used for every integer on the wire.
var ByteOrder = binary.BigEndian

// MalformedFrame is returned by a Reader when the buffer is short, a
// length field overflows what remains, or a string is not NUL-terminated
// where required.
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func malformed(format string, args ...interface{}) error {
	return &MalformedFrame{Reason: fmt.Sprintf(format, args...)}
}

// Writer accumulates an outgoing message body. The zero value is ready
// to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with an initial capacity hint.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated message body.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// WriteByte appends a single tag or flag byte.
func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteUint8 appends a u8.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint16 appends a u16.
func (w *Writer) WriteUint16(v uint16) {
	var tmp [2]byte
	ByteOrder.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteUint32 appends a u32.
func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	ByteOrder.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteInt64 appends an i64.
func (w *Writer) WriteInt64(v int64) {
	var tmp [8]byte
	ByteOrder.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

// WriteRaw appends raw bytes with no length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteLStr8 appends a one-byte-length, NUL-terminated string. The
// length byte counts the trailing NUL.
func (w *Writer) WriteLStr8(s string) error {
	n := len(s) + 1
	if n > 0xFF {
		return malformed("lstr8 value too long: %d bytes", len(s))
	}
	w.WriteUint8(uint8(n))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return nil
}

// WriteLStr16 appends a two-byte-length, NUL-terminated string. The
// length counts the trailing NUL.
func (w *Writer) WriteLStr16(s string) error {
	n := len(s) + 1
	if n > 0xFFFF {
		return malformed("lstr16 value too long: %d bytes", len(s))
	}
	w.WriteUint16(uint16(n))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return nil
}

// WriteBlob32 appends a four-byte-length-prefixed raw byte blob (no NUL
// terminator).
func (w *Writer) WriteBlob32(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader consumes an incoming message body sequentially.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns how many bytes are left to read.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Done reports whether the reader has consumed the entire buffer.
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return malformed("short read: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// ReadByte reads a single tag or flag byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadUint8 reads a u8.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.ReadByte()
	return uint8(b), err
}

// ReadUint16 reads a u16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := ByteOrder.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 reads a u32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := ByteOrder.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt64 reads an i64.
func (r *Reader) ReadInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(ByteOrder.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

// ReadRaw reads n raw bytes with no length prefix. The returned slice is
// a copy; the caller may retain it past the lifetime of the underlying
// frame buffer.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadLStr8 reads a one-byte-length, NUL-terminated string. The length
// byte counts the trailing NUL.
func (r *Reader) ReadLStr8() (string, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return "", err
	}
	return r.readLStrBody(int(n))
}

// ReadLStr16 reads a two-byte-length, NUL-terminated string.
func (r *Reader) ReadLStr16() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	return r.readLStrBody(int(n))
}

func (r *Reader) readLStrBody(n int) (string, error) {
	if n < 1 {
		return "", malformed("lstr length %d too small for NUL terminator", n)
	}
	if err := r.need(n); err != nil {
		return "", err
	}
	body := r.buf[r.pos : r.pos+n]
	if body[n-1] != 0 {
		return "", malformed("lstr missing NUL terminator")
	}
	r.pos += n
	return string(body[:n-1]), nil
}

// ReadBlob32 reads a four-byte-length-prefixed raw byte blob.
func (r *Reader) ReadBlob32() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}

// Source is the subset of Reader's surface that internal/tupledata
// needs to decode a TupleData message. Both Reader (a fully buffered
// message body) and StreamReader (bytes pulled lazily off a live
// transport) implement it, so the tuple codec works the same way
// whether it is fed a pre-framed byte slice or a socket.
type Source interface {
	ReadByte() (byte, error)
	ReadUint16() (uint16, error)
	ReadBlob32() ([]byte, error)
}

// StreamReader adapts an io.Reader to the same decoding primitives as
// Reader, reading exactly as many bytes as each field needs instead of
// requiring the whole message body up front. Used by internal/protocol
// to read the outer copy-data envelope (tag, sender timestamp, length,
// body) off a live transport; the inner message is then decoded from
// that body with a Reader.
type StreamReader struct {
	r io.Reader
}

// NewStreamReader wraps r for sequential, on-demand decoding.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

func (s *StreamReader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, malformed("short read: %v", err)
	}
	return buf, nil
}

// ReadByte reads a single tag or flag byte. Returns io.EOF, unwrapped,
// when the transport closed cleanly before any byte of a new message
// arrived — callers use that to distinguish a graceful stream end from
// a message truncated partway through.
func (s *StreamReader) ReadByte() (byte, error) {
	buf, err := s.readFull(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint8 reads a u8.
func (s *StreamReader) ReadUint8() (uint8, error) {
	buf, err := s.readFull(1)
	if err != nil {
		return 0, eofToMalformed(err)
	}
	return buf[0], nil
}

// ReadUint16 reads a u16.
func (s *StreamReader) ReadUint16() (uint16, error) {
	buf, err := s.readFull(2)
	if err != nil {
		return 0, eofToMalformed(err)
	}
	return ByteOrder.Uint16(buf), nil
}

// ReadUint32 reads a u32.
func (s *StreamReader) ReadUint32() (uint32, error) {
	buf, err := s.readFull(4)
	if err != nil {
		return 0, eofToMalformed(err)
	}
	return ByteOrder.Uint32(buf), nil
}

// ReadInt64 reads an i64.
func (s *StreamReader) ReadInt64() (int64, error) {
	buf, err := s.readFull(8)
	if err != nil {
		return 0, eofToMalformed(err)
	}
	return int64(ByteOrder.Uint64(buf)), nil
}

// ReadRaw reads n raw bytes with no length prefix.
func (s *StreamReader) ReadRaw(n int) ([]byte, error) {
	buf, err := s.readFull(n)
	if err != nil {
		return nil, eofToMalformed(err)
	}
	return buf, nil
}

// ReadLStr8 reads a one-byte-length, NUL-terminated string.
func (s *StreamReader) ReadLStr8() (string, error) {
	n, err := s.ReadUint8()
	if err != nil {
		return "", err
	}
	return s.readLStrBody(int(n))
}

// ReadLStr16 reads a two-byte-length, NUL-terminated string.
func (s *StreamReader) ReadLStr16() (string, error) {
	n, err := s.ReadUint16()
	if err != nil {
		return "", err
	}
	return s.readLStrBody(int(n))
}

func (s *StreamReader) readLStrBody(n int) (string, error) {
	if n < 1 {
		return "", malformed("lstr length %d too small for NUL terminator", n)
	}
	body, err := s.readFull(n)
	if err != nil {
		return "", eofToMalformed(err)
	}
	if body[n-1] != 0 {
		return "", malformed("lstr missing NUL terminator")
	}
	return string(body[:n-1]), nil
}

// ReadBlob32 reads a four-byte-length-prefixed raw byte blob.
func (s *StreamReader) ReadBlob32() ([]byte, error) {
	n, err := s.ReadUint32()
	if err != nil {
		return nil, err
	}
	return s.ReadRaw(int(n))
}

// eofToMalformed turns a bare io.EOF encountered mid-field (as opposed
// to at a message boundary, where callers check for io.EOF themselves
// via ReadByte) into a MalformedFrame: the transport closed while a
// multi-byte field was only partially available.
func eofToMalformed(err error) error {
	if err == io.EOF {
		return malformed("transport closed mid-field")
	}
	return err
}
