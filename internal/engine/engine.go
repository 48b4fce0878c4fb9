package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manifest/storage/internal/wal"
)

// Config configures the Engine.
type Config struct {
	Dir             string
	IntentTimeout   time.Duration // write intent wait bound, default 1s
	CompactInterval time.Duration // background compaction period, default 1m
	SegmentMaxBytes int64         // log segment rotation size
	Sync            wal.SyncMode
	Logger          zerolog.Logger
}

// Engine is the storage facade: versioned gets, puts, deletes, atomic
// batches and snapshot-isolated reads over an append-only record log.
// It is the only surface the HTTP layer calls and is safe for use from
// any number of goroutines.
type Engine struct {
	cfg Config
	log zerolog.Logger

	wal     *wal.Log
	idx     *index
	vers    *versionCounter
	intents *intentTable
	snaps   *snapshotTable
	stats   *statsCollector

	// commitMu linearizes commits: version allocation, batch append
	// and index update happen as one critical section.
	commitMu sync.Mutex

	compactStop chan struct{}
	compactDone chan struct{}
	compacting  int32 // atomic flag
	closed      atomic.Bool
}

// Open opens or creates the store in cfg.Dir and rebuilds the index,
// from the checkpoint if one is usable, otherwise by full log replay.
func Open(cfg Config) (*Engine, error) {
	if cfg.IntentTimeout == 0 {
		cfg.IntentTimeout = time.Second
	}
	if cfg.CompactInterval == 0 {
		cfg.CompactInterval = time.Minute
	}

	log, err := wal.Open(wal.Config{
		Dir:             cfg.Dir,
		Sync:            cfg.Sync,
		SegmentMaxBytes: cfg.SegmentMaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("open record log: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "engine").Logger(),
		wal:     log,
		idx:     newIndex(),
		vers:    &versionCounter{},
		intents: newIntentTable(),
		snaps:   newSnapshotTable(),
		stats:   &statsCollector{},
	}

	if err := e.recover(); err != nil {
		_ = log.Close()
		return nil, err
	}

	e.startCompactor(cfg.CompactInterval)
	return e, nil
}

// recover rebuilds the index. Every record carries its version, so
// replay keeps the highest version per key regardless of segment
// order; this also covers a crash between append and index update.
func (e *Engine) recover() error {
	start := time.Now()
	maxVersion, replayed := uint64(0), 0

	cp, fromCheckpoint := e.loadCheckpoint()
	if fromCheckpoint {
		e.idx.mu.Lock()
		e.idx.entries = cp.entries
		e.idx.mu.Unlock()
		maxVersion = cp.MaxVersion
	}

	apply := func(loc wal.Location, rec wal.Record) error {
		replayed++
		if rec.Version > maxVersion {
			maxVersion = rec.Version
		}
		if ent, ok := e.idx.Entry(rec.Key); ok && ent.version >= rec.Version {
			return nil
		}
		e.idx.Update(rec.Key, loc, rec.Version, rec.Tombstone())
		return nil
	}

	var err error
	if fromCheckpoint {
		err = e.replayDelta(cp, apply)
	} else {
		err = e.wal.Scan(apply)
	}
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	e.vers.reset(maxVersion)
	e.log.Info().
		Bool("checkpoint", fromCheckpoint).
		Int("replayed", replayed).
		Int("keys", e.idx.Len()).
		Uint64("version", maxVersion).
		Dur("took", time.Since(start)).
		Msg("recovered")
	return nil
}

// Get returns the latest committed value for key. A tombstoned or
// absent key is ErrNotFound.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	e.stats.reads.Add(1)
	ent, ok := e.idx.Entry(key)
	if !ok || ent.tomb {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	rec, err := e.readRecord(ent.loc, key)
	if err != nil {
		return nil, err
	}
	if rec.Tombstone() {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return rec.Value, nil
}

// GetVersioned is Get plus the record's commit version.
func (e *Engine) GetVersioned(key []byte) ([]byte, uint64, error) {
	if e.isClosed() {
		return nil, 0, ErrClosed
	}
	e.stats.reads.Add(1)
	ent, ok := e.idx.Entry(key)
	if !ok || ent.tomb {
		return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	rec, err := e.readRecord(ent.loc, key)
	if err != nil {
		return nil, 0, err
	}
	if rec.Tombstone() {
		return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return rec.Value, rec.Version, nil
}

// Put commits a value for key and returns the assigned version.
func (e *Engine) Put(ctx context.Context, key, value []byte) (uint64, error) {
	return e.commit(ctx, []Op{{Kind: OpPut, Key: key, Value: value}}, nil, false)
}

// Delete commits a tombstone for key and returns its version. Deleting
// an absent or already tombstoned key is ErrNotFound.
func (e *Engine) Delete(ctx context.Context, key []byte) (uint64, error) {
	return e.commit(ctx, []Op{{Kind: OpDelete, Key: key}}, nil, true)
}

// Batch atomically commits every op, optionally validated by guards,
// and returns the last version assigned. Either all ops become visible
// or none do.
func (e *Engine) Batch(ctx context.Context, ops []Op, guards []Guard) (uint64, error) {
	return e.commit(ctx, ops, guards, false)
}

// BeginSnapshot captures the current committed version. Reads through
// the snapshot are immune to later commits until EndSnapshot.
func (e *Engine) BeginSnapshot() (*Snapshot, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.snaps.begin(e.vers.Committed()), nil
}

// ReadAt returns the value for key as of the snapshot's version,
// walking the key's version chain past any later commits.
func (e *Engine) ReadAt(snap *Snapshot, key []byte) ([]byte, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if _, ok := e.snaps.lookup(snap.ID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snap.ID)
	}
	e.stats.reads.Add(1)

	locOpt := e.idx.Lookup(key)
	loc, ok := locOpt.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	for {
		rec, err := e.readRecord(loc, key)
		if err != nil {
			return nil, err
		}
		if rec.Version <= snap.Version {
			if rec.Tombstone() {
				return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
			}
			return rec.Value, nil
		}
		if rec.Prev.IsZero() {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		loc = rec.Prev
	}
}

// SnapshotByID resolves an active snapshot handle from its ID. Used
// by callers that hand snapshot IDs across a process boundary.
func (e *Engine) SnapshotByID(id uuid.UUID) (*Snapshot, bool) {
	v, ok := e.snaps.lookup(id)
	if !ok {
		return nil, false
	}
	return &Snapshot{ID: id, Version: v}, true
}

// EndSnapshot releases the snapshot so compaction may reclaim records
// it was pinning. Ending an unknown or already ended snapshot is a
// no-op.
func (e *Engine) EndSnapshot(snap *Snapshot) {
	e.snaps.end(snap.ID)
}

// readRecord reads loc, retrying through a fresh index lookup when the
// location went stale under a concurrent compaction swap.
func (e *Engine) readRecord(loc wal.Location, key []byte) (wal.Record, error) {
	rec, err := e.wal.ReadAt(loc)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, wal.ErrStaleLocation) {
		return wal.Record{}, err
	}
	ent, ok := e.idx.Entry(key)
	if !ok {
		return wal.Record{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return e.wal.ReadAt(ent.loc)
}

// Stats returns a point-in-time view of engine counters.
func (e *Engine) Stats() Stats {
	s := e.stats.view()
	s.Keys = e.idx.Len()
	s.ActiveSnapshots = e.snaps.count()
	s.CommittedVersion = e.vers.Committed()
	return s
}

// Close stops the compactor, writes a final checkpoint and closes the
// log. Further calls fail with ErrClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.stopCompactor()
	if err := e.writeCheckpoint(); err != nil {
		e.log.Warn().Err(err).Msg("final checkpoint failed")
	}
	return e.wal.Close()
}

func (e *Engine) isClosed() bool {
	return e.closed.Load()
}
