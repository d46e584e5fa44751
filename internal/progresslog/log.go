package progresslog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Log is the append-only progress file itself: header bookkeeping plus
// the next sequence number and write offset. Use Manager, not Log,
// from the apply engine — Log is the low-level file, Manager is what
// tracks per-origin state on top of it.
type Log struct {
	file *os.File
	mu   sync.Mutex
	path string

	nextSeq       uint64
	currentOffset uint64
}

// Open creates or opens the progress log at path.
func Open(path string) (*Log, error) {
	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("progresslog: open: %w", err)
	}

	l := &Log{file: file, path: path, nextSeq: 1}

	if existed {
		offset, err := file.Seek(0, os.SEEK_END)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("progresslog: seek to end: %w", err)
		}
		l.currentOffset = uint64(offset)
	} else {
		if err := l.writeFileHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("progresslog: write header: %w", err)
		}
	}

	return l, nil
}

func (l *Log) writeFileHeader() error {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:8], Magic[:])
	ByteOrder.PutUint16(buf[8:10], FormatVersion)
	ByteOrder.PutUint64(buf[16:24], uint64(time.Now().Unix()))

	n, err := l.file.Write(buf)
	if err != nil {
		return err
	}
	if n != FileHeaderSize {
		return fmt.Errorf("incomplete file header write: wrote %d of %d bytes", n, FileHeaderSize)
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.currentOffset = FileHeaderSize
	return nil
}

// Path returns the file path this log is backed by.
func (l *Log) Path() string { return l.path }

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Sync forces an fsync of whatever has been written so far.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// resumeSeqFrom sets the next sequence number to hand out, used when
// reopening a log that already has records so sequence numbers stay
// monotonic across restarts rather than restarting at 1.
func (l *Log) resumeSeqFrom(lastSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastSeq+1 > l.nextSeq {
		l.nextSeq = lastSeq + 1
	}
}

func (l *Log) allocateSeq() uint64 {
	seq := l.nextSeq
	l.nextSeq++
	return seq
}
