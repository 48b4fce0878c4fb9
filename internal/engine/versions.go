package engine

import "sync/atomic"

// versionCounter hands out strictly increasing versions. Allocation
// happens only inside the commit critical section (the caller holds
// the engine's commit mutex), so version order always matches commit
// order. The committed watermark is published separately, after the
// index update, and is what snapshots capture: a snapshot never
// observes a version whose index entry is not yet visible.
type versionCounter struct {
	seq       uint64 // guarded by the engine's commitMu
	committed atomic.Uint64
}

// allocate returns the next version. Caller must hold commitMu.
func (v *versionCounter) allocate() uint64 {
	v.seq++
	return v.seq
}

// publish marks ver as committed and index-visible.
func (v *versionCounter) publish(ver uint64) {
	v.committed.Store(ver)
}

// Committed returns the highest index-visible version.
func (v *versionCounter) Committed() uint64 {
	return v.committed.Load()
}

// reset seeds both counters during recovery. Not safe for concurrent
// use; called before the engine is shared.
func (v *versionCounter) reset(max uint64) {
	v.seq = max
	v.committed.Store(max)
}
