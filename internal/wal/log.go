package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrCorrupt is returned when a frame fails its integrity check.
	// It is fatal for the affected segment.
	ErrCorrupt = errors.New("corrupted log entry")

	// ErrStaleLocation is returned when a location points at a segment
	// that no longer exists (removed by compaction). Callers should
	// re-resolve the location through the index and retry.
	ErrStaleLocation = errors.New("stale log location")

	// ErrClosed is returned for operations on a closed log.
	ErrClosed = errors.New("log is closed")
)

// SyncMode determines when appends are synced to disk.
type SyncMode int

const (
	// SyncAlways fsyncs before Append returns. This is the durability
	// guarantee the engine relies on; it is the default.
	SyncAlways SyncMode = iota
	// SyncNone leaves syncing to the OS. Only suitable for tests.
	SyncNone
)

// Config configures a Log.
type Config struct {
	Dir             string
	Sync            SyncMode
	SegmentMaxBytes int64 // rotate the active segment past this size, default 64MB
}

const defaultSegmentMaxBytes = 64 * 1024 * 1024

// Log is an append-only segmented record log. Appends are serialized
// and durable; reads are location-addressed and run concurrently
// against immutable data.
type Log struct {
	dir        string
	syncMode   SyncMode
	segmentMax int64

	// appendMu serializes physical writes and rotation.
	appendMu sync.Mutex

	// mu guards the segment map, retired handles and the remap table.
	mu       sync.RWMutex
	segs     map[uint32]*segment
	activeID uint32
	nextID   uint32
	closed   bool

	// Segments replaced by the last compaction swap. They are removed
	// from the map and unlinked but kept open until the next swap so
	// in-flight reads against them still succeed.
	retired []*segment

	// Two generations of old-location -> new-location entries produced
	// by compaction rewrites. Consulted when a read misses the segment
	// map (see SwapCompacted).
	remapCur  map[Location]Location
	remapPrev map[Location]Location
}

type segment struct {
	id   uint32
	path string
	file *os.File

	// size advances only after a batch is fully written and synced, so
	// readers of Segments and scanners racing the appender always see a
	// batch-aligned boundary.
	size atomic.Int64
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("seg-%08d.wal", id))
}

// Open opens the log in cfg.Dir, creating it if needed.
func Open(cfg Config) (*Log, error) {
	if cfg.SegmentMaxBytes == 0 {
		cfg.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &Log{
		dir:        cfg.Dir,
		syncMode:   cfg.Sync,
		segmentMax: cfg.SegmentMaxBytes,
		segs:       make(map[uint32]*segment),
		nextID:     1,
		remapCur:   make(map[Location]Location),
		remapPrev:  make(map[Location]Location),
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "seg-") || !strings.HasSuffix(name, ".wal") {
			// Leftover .tmp files from an interrupted compaction are
			// garbage; remove them.
			if strings.HasSuffix(name, ".wal.tmp") {
				_ = os.Remove(filepath.Join(cfg.Dir, name))
			}
			continue
		}
		id64, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "seg-"), ".wal"), 10, 32)
		if err != nil {
			continue
		}
		seg, err := openSegment(cfg.Dir, uint32(id64))
		if err != nil {
			l.closeLocked()
			return nil, err
		}
		l.segs[seg.id] = seg
		if seg.id >= l.nextID {
			l.nextID = seg.id + 1
		}
		if seg.id > l.activeID {
			l.activeID = seg.id
		}
	}

	if l.activeID == 0 {
		seg, err := createSegment(cfg.Dir, l.nextID)
		if err != nil {
			return nil, err
		}
		l.segs[seg.id] = seg
		l.activeID = seg.id
		l.nextID = seg.id + 1
	}
	return l, nil
}

func openSegment(dir string, id uint32) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %d: %w", id, err)
	}
	seg := &segment{id: id, path: path, file: f}
	seg.size.Store(info.Size())
	return seg, nil
}

func createSegment(dir string, id uint32) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", id, err)
	}
	return &segment{id: id, path: path, file: f}, nil
}

// Append durably writes a single record and returns its location.
func (l *Log) Append(rec Record) (Location, error) {
	locs, err := l.AppendBatch([]Record{rec})
	if err != nil {
		return Location{}, err
	}
	return locs[0], nil
}

// AppendBatch durably writes all records as one physical write and
// returns their locations. On any write or sync failure the segment is
// truncated back to its pre-batch size, so a batch is never partially
// visible to recovery.
func (l *Log) AppendBatch(recs []Record) ([]Location, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	active, err := l.activeLocked()
	if err != nil {
		return nil, err
	}
	if active.size.Load() >= l.segmentMax {
		if active, err = l.rotateLocked(); err != nil {
			return nil, err
		}
	}

	start := active.size.Load()
	locs := make([]Location, len(recs))
	var buf []byte
	for i := range recs {
		locs[i] = Location{Segment: active.id, Offset: start + int64(len(buf))}
		buf = encodeFrame(buf, &recs[i], i == len(recs)-1)
	}

	if _, err := active.file.WriteAt(buf, start); err != nil {
		_ = active.file.Truncate(start)
		return nil, fmt.Errorf("append to segment %d: %w", active.id, err)
	}
	if l.syncMode == SyncAlways {
		if err := active.file.Sync(); err != nil {
			_ = active.file.Truncate(start)
			return nil, fmt.Errorf("sync segment %d: %w", active.id, err)
		}
	}
	active.size.Store(start + int64(len(buf)))
	return locs, nil
}

func (l *Log) activeLocked() (*segment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.segs[l.activeID], nil
}

// Rotate seals the active segment and starts a new one. Sealed
// segments are immutable and eligible for compaction.
func (l *Log) Rotate() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	_, err := l.rotateLocked()
	return err
}

func (l *Log) rotateLocked() (*segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	seg, err := createSegment(l.dir, l.nextID)
	if err != nil {
		return nil, err
	}
	l.segs[seg.id] = seg
	l.activeID = seg.id
	l.nextID = seg.id + 1
	return seg, nil
}

// ReadAt reads the record at loc. Locations invalidated by compaction
// are transparently followed through the remap table; if no mapping
// exists the read fails with ErrStaleLocation.
func (l *Log) ReadAt(loc Location) (Record, error) {
	for hops := 0; hops < 8; hops++ {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			return Record{}, ErrClosed
		}
		seg, ok := l.segs[loc.Segment]
		if !ok {
			mapped, found := l.remapCur[loc]
			if !found {
				mapped, found = l.remapPrev[loc]
			}
			l.mu.RUnlock()
			if !found {
				return Record{}, fmt.Errorf("%w: %s", ErrStaleLocation, loc)
			}
			loc = mapped
			continue
		}
		l.mu.RUnlock()
		return readFrame(seg, loc.Offset)
	}
	return Record{}, fmt.Errorf("%w: remap chain too deep at %s", ErrStaleLocation, loc)
}

func readFrame(seg *segment, off int64) (Record, error) {
	var hdr [frameHeaderSize]byte
	if _, err := seg.file.ReadAt(hdr[:], off); err != nil {
		return Record{}, fmt.Errorf("read frame header at %d/%d: %w", seg.id, off, err)
	}
	checksum := binary.LittleEndian.Uint32(hdr[0:4])
	payloadLen := binary.LittleEndian.Uint32(hdr[4:8])

	payload := make([]byte, payloadLen)
	if _, err := seg.file.ReadAt(payload, off+frameHeaderSize); err != nil {
		return Record{}, fmt.Errorf("read frame payload at %d/%d: %w", seg.id, off, err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return Record{}, fmt.Errorf("%w: checksum mismatch at %d/%d", ErrCorrupt, seg.id, off)
	}
	rec, _, err := decodePayload(payload)
	return rec, err
}

// SegmentInfo describes one segment for checkpointing.
type SegmentInfo struct {
	ID   uint32
	Size int64
}

// Segments returns all current segments ordered by ID.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	ids := make([]uint32, 0, len(l.segs))
	for id := range l.segs {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	infos := make([]SegmentInfo, 0, len(ids))
	for _, id := range ids {
		l.mu.RLock()
		seg, ok := l.segs[id]
		l.mu.RUnlock()
		if ok {
			infos = append(infos, SegmentInfo{ID: seg.id, Size: seg.size.Load()})
		}
	}
	return infos
}

// SealedIDs returns the IDs of all segments except the active one.
func (l *Log) SealedIDs() []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint32, 0, len(l.segs))
	for id := range l.segs {
		if id != l.activeID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveID returns the ID of the active (tail) segment.
func (l *Log) ActiveID() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeID
}

// Scan replays every segment in ID order, invoking fn for each record.
// A torn write at the tail of the last segment is truncated away; any
// other integrity failure is ErrCorrupt.
func (l *Log) Scan(fn func(Location, Record) error) error {
	for _, info := range l.Segments() {
		if err := l.ScanSegmentFrom(info.ID, 0, fn); err != nil {
			return err
		}
	}
	return nil
}

// ScanSegmentFrom replays the segment with the given ID starting at a
// batch-aligned offset. Used by Scan and by checkpoint delta replay.
// Records surface only once their batch's closing frame has been read,
// so a crash that persisted a prefix of a batch replays none of it:
// the incomplete batch is truncated away (active segment) or surfaced
// as corruption (sealed segment).
func (l *Log) ScanSegmentFrom(id uint32, off int64, fn func(Location, Record) error) error {
	l.mu.RLock()
	seg, ok := l.segs[id]
	active := l.activeID
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: segment %d", ErrStaleLocation, id)
	}

	type entry struct {
		loc Location
		rec Record
	}
	size := seg.size.Load()
	var pending []entry
	batchStart := off
	for off < size {
		rec, committed, next, err := scanFrame(seg, off, size)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail: only tolerable on the active segment,
				// where a crash mid-append leaves a short frame.
				if id == active {
					return l.truncateTail(seg, batchStart)
				}
				return fmt.Errorf("%w: truncated frame in sealed segment %d at %d", ErrCorrupt, id, off)
			}
			return err
		}
		pending = append(pending, entry{loc: Location{Segment: id, Offset: off}, rec: rec})
		off = next
		if committed {
			for _, e := range pending {
				if err := fn(e.loc, e.rec); err != nil {
					return err
				}
			}
			pending = pending[:0]
			batchStart = off
		}
	}
	if len(pending) > 0 {
		// Complete frames with no closing frame behind them: the crash
		// hit between the frames of one batch.
		if id == active {
			return l.truncateTail(seg, batchStart)
		}
		return fmt.Errorf("%w: unterminated batch in sealed segment %d at %d", ErrCorrupt, id, batchStart)
	}
	return nil
}

func scanFrame(seg *segment, off, size int64) (Record, bool, int64, error) {
	if off+frameHeaderSize > size {
		return Record{}, false, 0, io.ErrUnexpectedEOF
	}
	var hdr [frameHeaderSize]byte
	if _, err := seg.file.ReadAt(hdr[:], off); err != nil {
		return Record{}, false, 0, fmt.Errorf("scan segment %d at %d: %w", seg.id, off, err)
	}
	checksum := binary.LittleEndian.Uint32(hdr[0:4])
	payloadLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	if off+frameHeaderSize+payloadLen > size {
		return Record{}, false, 0, io.ErrUnexpectedEOF
	}
	payload := make([]byte, payloadLen)
	if _, err := seg.file.ReadAt(payload, off+frameHeaderSize); err != nil {
		return Record{}, false, 0, fmt.Errorf("scan segment %d at %d: %w", seg.id, off, err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return Record{}, false, 0, fmt.Errorf("%w: checksum mismatch in segment %d at %d", ErrCorrupt, seg.id, off)
	}
	rec, committed, err := decodePayload(payload)
	if err != nil {
		return Record{}, false, 0, err
	}
	return rec, committed, off + frameHeaderSize + payloadLen, nil
}

func (l *Log) truncateTail(seg *segment, off int64) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	if err := seg.file.Truncate(off); err != nil {
		return fmt.Errorf("truncate torn tail of segment %d: %w", seg.id, err)
	}
	seg.size.Store(off)
	return nil
}

// Close syncs the active segment and closes every file handle.
func (l *Log) Close() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if active := l.segs[l.activeID]; active != nil {
		_ = active.file.Sync()
	}
	l.closeLocked()
	return nil
}

func (l *Log) closeLocked() {
	for _, seg := range l.segs {
		_ = seg.file.Close()
	}
	for _, seg := range l.retired {
		_ = seg.file.Close()
	}
	l.retired = nil
	l.closed = true
}
