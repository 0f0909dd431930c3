package schedule

import (
	"context"
	"sync"
)

// MemoryStore keeps the scheduler state in process memory under one mutex.
type MemoryStore struct {
	mu             sync.Mutex
	planned        int
	totalBytes     int64
	disconnects    int
	completed      bool // never reverts once set
	firstCheckDone bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a fresh in-process store. A plan of zero
// disconnects starts in stable mode.
func NewMemoryStore(planned int) *MemoryStore {
	if planned < 0 {
		planned = 0
	}
	return &MemoryStore{planned: planned, completed: planned == 0}
}

func (m *MemoryStore) Account(_ context.Context, n int64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBytes += n
	return m.snapshotLocked(), nil
}

func (m *MemoryStore) Check(_ context.Context, sessionBytes int64) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Decision{Planned: m.planned}
	if m.completed {
		return d, nil
	}
	d.Threshold = SubsequentThreshold
	if !m.firstCheckDone {
		d.Threshold = FirstThreshold
		m.firstCheckDone = true
	}
	if sessionBytes <= d.Threshold || m.disconnects >= m.planned {
		return d, nil
	}
	m.disconnects++
	if m.disconnects >= m.planned {
		m.completed = true
	}
	d.Disconnect = true
	d.Number = m.disconnects
	d.Completed = m.completed
	return d, nil
}

func (m *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

func (m *MemoryStore) snapshotLocked() Snapshot {
	return Snapshot{
		TotalBytes:     m.totalBytes,
		Disconnects:    m.disconnects,
		Planned:        m.planned,
		Completed:      m.completed,
		FirstCheckDone: m.firstCheckDone,
	}
}

func (m *MemoryStore) Close() error { return nil }
