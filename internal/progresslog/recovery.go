package progresslog

import (
	"fmt"
	"io"
)

// Recovered is the result of replaying a progress log: the last known
// remote end LSN per origin, and the sequence number to resume
// allocating from.
type Recovered struct {
	Progress map[string]int64
	LastSeq  uint64
}

// Recover scans path end to end and replays every RecordAdvance and
// RecordCheckpoint record it finds to reconstruct per-origin progress.
// REDO-only: a record that fails its checksum (a torn write from a
// crash mid-append) ends the scan at that point rather than erroring —
// spec.md §8's progress-monotonicity property only requires recovery to
// reflect durably-completed advances, and a torn tail record was never
// durable.
func Recover(path string) (Recovered, error) {
	r, err := OpenReader(path)
	if err != nil {
		return Recovered{}, err
	}
	defer r.Close()

	progress := make(map[string]int64)
	var lastSeq uint64

	for {
		hdr, payload, err := r.Next()
		if err == io.EOF {
			break
		}
		if _, ok := err.(*CorruptRecord); ok {
			break
		}
		if err != nil {
			return Recovered{}, err
		}

		// r.Next already verified this record's checksum, so a decode
		// failure here means the payload is structurally malformed, not
		// a torn crash-time write — that's a real corruption, not the
		// REDO-stop case above, and recovery must not silently ignore it.
		switch hdr.Type {
		case RecordAdvance:
			origin, remoteEndLSN, _, _, err := DecodeAdvance(payload)
			if err != nil {
				return Recovered{}, fmt.Errorf("progresslog: decode advance record at seq %d: %w", hdr.Seq, err)
			}
			progress[origin] = remoteEndLSN
		case RecordCheckpoint:
			cp, err := DecodeCheckpoint(payload)
			if err != nil {
				return Recovered{}, fmt.Errorf("progresslog: decode checkpoint record at seq %d: %w", hdr.Seq, err)
			}
			for origin, lsn := range cp {
				progress[origin] = lsn
			}
		}
		lastSeq = hdr.Seq
	}

	return Recovered{Progress: progress, LastSeq: lastSeq}, nil
}
