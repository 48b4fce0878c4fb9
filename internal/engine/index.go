package engine

import (
	"sync"

	"github.com/tarantool/go-option"

	"github.com/manifest/storage/internal/wal"
)

// indexEntry is the in-memory state for one key: where its latest
// record lives and that record's version. Tombstoned keys keep their
// entry (pointing at the tombstone) until compaction drops them, so
// snapshot reads can still walk the version chain.
type indexEntry struct {
	loc     wal.Location
	version uint64
	tomb    bool
}

// index maps keys to their latest record. It is never the durability
// boundary; all mutations come from the coordinator's commit path or
// the compactor's swap section.
type index struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

func newIndex() *index {
	return &index{entries: make(map[string]indexEntry)}
}

// Lookup returns the location of the key's latest record, if any.
func (ix *index) Lookup(key []byte) option.Generic[wal.Location] {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ent, ok := ix.entries[string(key)]
	if !ok {
		return option.None[wal.Location]()
	}
	return option.Some(ent.loc)
}

// Version returns the version of the key's latest record, or 0 if the
// key has no entry. Used for guard validation.
func (ix *index) Version(key []byte) uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entries[string(key)].version
}

// Update points the key at a new latest record. tomb records that
// the latest record is a tombstone, so readers can answer NotFound
// without touching the log.
func (ix *index) Update(key []byte, loc wal.Location, version uint64, tomb bool) {
	ix.mu.Lock()
	ix.entries[string(key)] = indexEntry{loc: loc, version: version, tomb: tomb}
	ix.mu.Unlock()
}

// Entry returns the full entry for key.
func (ix *index) Entry(key []byte) (indexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ent, ok := ix.entries[string(key)]
	return ent, ok
}

// Remove drops the key's entry entirely. Only the compactor does this,
// when a tombstone is reclaimed.
func (ix *index) Remove(key []byte) {
	ix.mu.Lock()
	delete(ix.entries, string(key))
	ix.mu.Unlock()
}

// UpdateIfLocation re-points the key only if it still points at old.
// Returns false when a concurrent commit advanced the key, in which
// case the caller's rewrite of the old record is obsolete.
func (ix *index) UpdateIfLocation(key string, old, new wal.Location) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, ok := ix.entries[key]
	if !ok || ent.loc != old {
		return false
	}
	ent.loc = new
	ix.entries[key] = ent
	return true
}

// RemoveIfLocation drops the key only if it still points at old.
func (ix *index) RemoveIfLocation(key string, old wal.Location) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, ok := ix.entries[key]
	if !ok || ent.loc != old {
		return false
	}
	delete(ix.entries, key)
	return true
}

// Len returns the number of indexed keys.
func (ix *index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// snapshotEntries copies the full entry table. Used by the compactor
// and the checkpoint writer.
func (ix *index) snapshotEntries() map[string]indexEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]indexEntry, len(ix.entries))
	for k, v := range ix.entries {
		out[k] = v
	}
	return out
}
