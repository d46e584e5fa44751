package progresslog

import (
	"fmt"
	"os"
	"sync"
)

// Manager is the host-facing entry point: it owns the on-disk log and
// an in-memory mirror of the last durable remote end-LSN per origin,
// refreshed from Recover on startup. This is what internal/apply's
// AdvanceOrigin host capability is built on.
type Manager struct {
	mu       sync.RWMutex
	log      *Log
	progress map[string]int64
}

// OpenManager opens (or creates) the progress log at path and replays
// it to seed the in-memory progress map.
func OpenManager(path string) (*Manager, error) {
	recovered := Recovered{Progress: map[string]int64{}}
	if _, statErr := os.Stat(path); statErr == nil {
		r, err := Recover(path)
		if err != nil {
			return nil, err
		}
		recovered = r
	}

	log, err := Open(path)
	if err != nil {
		return nil, err
	}
	log.resumeSeqFrom(recovered.LastSeq)

	return &Manager{
		log:      log,
		progress: recovered.Progress,
	}, nil
}

// LastRemoteEndLSN returns the last durably-recorded remote end LSN for
// origin, or 0 if nothing has been recorded yet.
func (m *Manager) LastRemoteEndLSN(origin string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress[origin]
}

// Advance durably records that origin's replication progress moved to
// remoteEndLSN, paired with the local transaction's end LSN that made
// it so. This must complete before the next BEGIN from that origin is
// processed (spec.md §5).
func (m *Manager) Advance(origin string, remoteEndLSN, localEndLSN int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload := EncodeAdvance(origin, remoteEndLSN, localEndLSN, true)
	if _, err := m.log.AppendAndSync(RecordAdvance, payload); err != nil {
		return fmt.Errorf("progresslog: advance origin %q: %w", origin, err)
	}
	m.progress[origin] = remoteEndLSN
	return nil
}

// Checkpoint writes a snapshot of every origin's current progress to the
// log. Recover replays it in order with the other records; it does not
// skip the records before it.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]int64, len(m.progress))
	for k, v := range m.progress {
		snapshot[k] = v
	}
	payload := EncodeCheckpoint(snapshot)
	if _, err := m.log.AppendAndSync(RecordCheckpoint, payload); err != nil {
		return fmt.Errorf("progresslog: checkpoint: %w", err)
	}
	return nil
}

// Close closes the underlying log file.
func (m *Manager) Close() error {
	return m.log.Close()
}
