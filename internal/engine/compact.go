package engine

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/manifest/storage/internal/wal"
)

// startCompactor starts the background compaction goroutine.
func (e *Engine) startCompactor(interval time.Duration) {
	if e.compactStop != nil {
		return // already running
	}
	e.compactStop = make(chan struct{})
	e.compactDone = make(chan struct{})

	go func() {
		defer close(e.compactDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.compactStop:
				return
			case <-ticker.C:
				// Failure only costs disk space; log and retry next cycle.
				if err := e.Compact(); err != nil {
					e.log.Warn().Err(err).Msg("compaction failed")
				}
			}
		}
	}()
}

func (e *Engine) stopCompactor() {
	if e.compactStop == nil {
		return
	}
	close(e.compactStop)
	<-e.compactDone
	e.compactStop = nil
	e.compactDone = nil
}

// sealedRecord is one candidate record during a compaction cycle.
type sealedRecord struct {
	loc wal.Location
	rec wal.Record
}

// Compact runs one compaction cycle: seal the tail, rewrite the sealed
// segments keeping only records that are the latest for their key or
// still observable by an active snapshot, then atomically swap the
// segment set. Foreground reads and writes proceed throughout; the
// only shared critical sections are the swap and the per-key index
// re-pointing.
func (e *Engine) Compact() error {
	if !atomic.CompareAndSwapInt32(&e.compacting, 0, 1) {
		return nil // already running
	}
	defer atomic.StoreInt32(&e.compacting, 0)

	start := time.Now()

	// Seal the current tail so this cycle sees a fixed record set.
	if e.activeSize() > 0 {
		if err := e.wal.Rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	}
	sealed := e.wal.SealedIDs()
	if len(sealed) == 0 {
		return nil
	}

	// Fix the retention inputs up front: the entry table first, then the
	// snapshot floor. Any snapshot begun after this point captured a
	// watermark covering every record these entries supersede, and any
	// key that advances after this point keeps its old chain resolvable
	// through the remap table.
	entries := e.idx.snapshotEntries()
	minSnap, haveSnaps := e.snaps.minActive()

	byKey := make(map[string][]sealedRecord)
	var scanned int
	for _, id := range sealed {
		err := e.wal.ScanSegmentFrom(id, 0, func(loc wal.Location, rec wal.Record) error {
			scanned++
			k := string(rec.Key)
			byKey[k] = append(byKey[k], sealedRecord{loc: loc, rec: rec})
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan segment %d: %w", id, err)
		}
	}

	writer, err := e.wal.NewCompactionWriter()
	if err != nil {
		return fmt.Errorf("start compaction output: %w", err)
	}

	remap := make(map[wal.Location]wal.Location)
	type repoint struct {
		key      string
		old, new wal.Location
	}
	var repoints []repoint
	var kept, dropped int

	for k, recs := range byKey {
		sort.Slice(recs, func(i, j int) bool { return recs[i].rec.Version < recs[j].rec.Version })
		ent, indexed := entries[k]

		keep := make([]sealedRecord, 0, len(recs))
		for _, sr := range recs {
			switch {
			case !indexed:
				// No index entry: chain is unreachable, record is dead.
			case sr.loc == ent.loc:
				// Latest record for the key. A tombstone no snapshot can
				// see anymore takes the whole chain with it, provided the
				// entry is reclaimed before a racing commit can chain a
				// new record onto it.
				if sr.rec.Tombstone() && (!haveSnaps || minSnap >= sr.rec.Version) &&
					e.idx.RemoveIfLocation(k, sr.loc) {
					continue
				}
				keep = append(keep, sr)
			case !haveSnaps:
				// Superseded and unpinned.
			case sr.rec.Version > minSnap:
				// Walk intermediary between the tail and the oldest
				// pinned version; dropping it would break the chain.
				keep = append(keep, sr)
			case isNewestAtOrBelow(recs, sr, minSnap):
				// The record the oldest snapshot resolves to.
				keep = append(keep, sr)
			}
		}

		dropped += len(recs) - len(keep)
		var prevNew wal.Location
		for _, sr := range keep {
			rec := sr.rec
			rec.Prev = prevNew
			newLoc, err := writer.Append(rec)
			if err != nil {
				writer.Discard()
				return fmt.Errorf("rewrite record: %w", err)
			}
			remap[sr.loc] = newLoc
			prevNew = newLoc
			kept++
			if indexed && sr.loc == ent.loc {
				repoints = append(repoints, repoint{key: k, old: sr.loc, new: newLoc})
			}
		}
	}

	if err := e.wal.SwapCompacted(writer, sealed, remap); err != nil {
		writer.Discard()
		return fmt.Errorf("swap compacted segments: %w", err)
	}

	// Re-point index entries at the rewritten locations. Keys that
	// advanced during the cycle are skipped; their chains resolve
	// through the remap table until the next cycle rewrites them.
	var repointed int
	for _, rp := range repoints {
		if e.idx.UpdateIfLocation(rp.key, rp.old, rp.new) {
			repointed++
		}
	}

	if err := e.writeCheckpoint(); err != nil {
		e.log.Warn().Err(err).Msg("checkpoint after compaction failed")
	}

	e.stats.compactions.Add(1)
	e.log.Info().
		Int("segments", len(sealed)).
		Int("scanned", scanned).
		Int("kept", kept).
		Int("dropped", dropped).
		Int("repointed", repointed).
		Int64("bytes", writer.Bytes()).
		Dur("took", time.Since(start)).
		Msg("compacted")
	return nil
}

// isNewestAtOrBelow reports whether sr is the newest record in recs
// (sorted by version ascending) with version <= boundary.
func isNewestAtOrBelow(recs []sealedRecord, sr sealedRecord, boundary uint64) bool {
	if sr.rec.Version > boundary {
		return false
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].rec.Version <= boundary {
			return recs[i].loc == sr.loc
		}
	}
	return false
}

func (e *Engine) activeSize() int64 {
	activeID := e.wal.ActiveID()
	for _, info := range e.wal.Segments() {
		if info.ID == activeID {
			return info.Size
		}
	}
	return 0
}
