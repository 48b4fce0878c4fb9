package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Snapshot fixes the maximum visible version for a read transaction.
// It pins superseded records against compaction until ended.
type Snapshot struct {
	ID      uuid.UUID
	Version uint64
}

// snapshotTable tracks active snapshots so the compactor knows which
// superseded records are still observable.
type snapshotTable struct {
	mu     sync.Mutex
	active map[uuid.UUID]uint64
}

func newSnapshotTable() *snapshotTable {
	return &snapshotTable{active: make(map[uuid.UUID]uint64)}
}

// begin registers a snapshot at the given version.
func (t *snapshotTable) begin(version uint64) *Snapshot {
	s := &Snapshot{ID: uuid.New(), Version: version}
	t.mu.Lock()
	t.active[s.ID] = s.Version
	t.mu.Unlock()
	return s
}

// end releases the snapshot. Ending twice is a no-op.
func (t *snapshotTable) end(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	delete(t.active, id)
	return ok
}

// lookup reports whether the snapshot is still active.
func (t *snapshotTable) lookup(id uuid.UUID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.active[id]
	return v, ok
}

// minActive returns the lowest version pinned by an active snapshot.
func (t *snapshotTable) minActive() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.active) == 0 {
		return 0, false
	}
	first := true
	var min uint64
	for _, v := range t.active {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min, true
}

// count returns the number of active snapshots.
func (t *snapshotTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
