package wal

import (
	"bufio"
	"fmt"
	"os"
)

// CompactionWriter writes rewritten records into fresh segments,
// staged as .tmp files so an interrupted compaction leaves the live
// log untouched. Finalized by SwapCompacted, abandoned by Discard.
type CompactionWriter struct {
	log  *Log
	segs []*compactionSegment
	cur  *compactionSegment
}

type compactionSegment struct {
	id      uint32
	tmpPath string
	path    string
	file    *os.File
	w       *bufio.Writer
	size    int64
}

// NewCompactionWriter starts a compaction output. Segment IDs are
// allocated from the same counter as the live log so they never clash.
func (l *Log) NewCompactionWriter() (*CompactionWriter, error) {
	w := &CompactionWriter{log: l}
	if err := w.roll(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *CompactionWriter) roll() error {
	w.log.mu.Lock()
	if w.log.closed {
		w.log.mu.Unlock()
		return ErrClosed
	}
	id := w.log.nextID
	w.log.nextID++
	w.log.mu.Unlock()

	path := segmentPath(w.log.dir, id)
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create compaction segment %d: %w", id, err)
	}
	seg := &compactionSegment{
		id:      id,
		tmpPath: tmpPath,
		path:    path,
		file:    f,
		w:       bufio.NewWriterSize(f, 256*1024),
	}
	w.segs = append(w.segs, seg)
	w.cur = seg
	return nil
}

// Append writes rec to the compaction output and returns the location
// it will have once the swap completes.
func (w *CompactionWriter) Append(rec Record) (Location, error) {
	if w.cur.size >= w.log.segmentMax {
		if err := w.cur.w.Flush(); err != nil {
			return Location{}, fmt.Errorf("flush compaction segment %d: %w", w.cur.id, err)
		}
		if err := w.roll(); err != nil {
			return Location{}, err
		}
	}
	loc := Location{Segment: w.cur.id, Offset: w.cur.size}
	buf := encodeFrame(nil, &rec, true)
	if _, err := w.cur.w.Write(buf); err != nil {
		return Location{}, fmt.Errorf("write compaction segment %d: %w", w.cur.id, err)
	}
	w.cur.size += int64(len(buf))
	return loc, nil
}

// Count returns the number of output segments so far.
func (w *CompactionWriter) Count() int { return len(w.segs) }

// Bytes returns the total bytes written so far.
func (w *CompactionWriter) Bytes() int64 {
	var total int64
	for _, seg := range w.segs {
		total += seg.size
	}
	return total
}

// Discard abandons the compaction output and removes its files.
func (w *CompactionWriter) Discard() {
	for _, seg := range w.segs {
		_ = seg.file.Close()
		_ = os.Remove(seg.tmpPath)
	}
	w.segs = nil
}

// SwapCompacted atomically replaces the sealed segments in replaced
// with the writer's output. remap carries old-location -> new-location
// entries for every rewritten record; it stays queryable for two swap
// generations so that back-references written before this swap keep
// resolving until the segments holding them are themselves rewritten.
// Replaced segments are unlinked but held open until the next swap so
// in-flight reads do not observe missing data.
func (l *Log) SwapCompacted(w *CompactionWriter, replaced []uint32, remap map[Location]Location) error {
	newSegs := make([]*segment, 0, len(w.segs))
	for _, cs := range w.segs {
		if err := cs.w.Flush(); err != nil {
			return fmt.Errorf("flush compaction segment %d: %w", cs.id, err)
		}
		if err := cs.file.Sync(); err != nil {
			return fmt.Errorf("sync compaction segment %d: %w", cs.id, err)
		}
		if err := os.Rename(cs.tmpPath, cs.path); err != nil {
			return fmt.Errorf("rename compaction segment %d: %w", cs.id, err)
		}
		ns := &segment{id: cs.id, path: cs.path, file: cs.file}
		ns.size.Store(cs.size)
		newSegs = append(newSegs, ns)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	// Previous generation of retired segments can no longer be
	// referenced; close them for real.
	for _, seg := range l.retired {
		_ = seg.file.Close()
	}
	l.retired = l.retired[:0]

	for _, id := range replaced {
		if seg, ok := l.segs[id]; ok {
			delete(l.segs, id)
			_ = os.Remove(seg.path)
			l.retired = append(l.retired, seg)
		}
	}
	for _, seg := range newSegs {
		l.segs[seg.id] = seg
	}

	// Shift remap generations, collapsing last-cycle entries whose
	// targets were rewritten again this cycle.
	for old, loc := range l.remapCur {
		if next, ok := remap[loc]; ok {
			l.remapCur[old] = next
		}
	}
	l.remapPrev = l.remapCur
	l.remapCur = remap
	if l.remapCur == nil {
		l.remapCur = make(map[Location]Location)
	}
	return nil
}
