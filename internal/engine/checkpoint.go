package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/manifest/storage/internal/wal"
)

const checkpointFile = "checkpoint.db"

// checkpointEntry is one index entry in the checkpoint file.
type checkpointEntry struct {
	Key     []byte `msgpack:"k"`
	Segment uint32 `msgpack:"s"`
	Offset  int64  `msgpack:"o"`
	Version uint64 `msgpack:"v"`
	Tomb    bool   `msgpack:"t"`
}

// checkpointState is the serialized index plus the log watermarks it
// was taken at. Recovery replays only the bytes written after the
// recorded per-segment sizes.
type checkpointState struct {
	MaxVersion uint64            `msgpack:"max_version"`
	Segments   map[uint32]int64  `msgpack:"segments"`
	Entries    []checkpointEntry `msgpack:"entries"`

	entries map[string]indexEntry
}

// writeCheckpoint serializes the index to checkpoint.db (msgpack,
// zstd-compressed, tmp+rename). Segment sizes are captured before the
// entries so a commit racing the snapshot is re-applied by delta
// replay rather than lost.
func (e *Engine) writeCheckpoint() error {
	segments := make(map[uint32]int64)
	for _, info := range e.wal.Segments() {
		segments[info.ID] = info.Size
	}
	entries := e.idx.snapshotEntries()

	cp := checkpointState{
		MaxVersion: e.vers.Committed(),
		Segments:   segments,
		Entries:    make([]checkpointEntry, 0, len(entries)),
	}
	for k, ent := range entries {
		cp.Entries = append(cp.Entries, checkpointEntry{
			Key:     []byte(k),
			Segment: ent.loc.Segment,
			Offset:  ent.loc.Offset,
			Version: ent.version,
			Tomb:    ent.tomb,
		})
	}

	raw, err := msgpack.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fmt.Errorf("create checkpoint encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	path := filepath.Join(e.cfg.Dir, checkpointFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, compressed, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// loadCheckpoint reads checkpoint.db and validates it against the
// current segment set. Any mismatch (missing segment, stale location)
// discards the checkpoint and recovery falls back to full replay.
func (e *Engine) loadCheckpoint() (*checkpointState, bool) {
	path := filepath.Join(e.cfg.Dir, checkpointFile)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false
	}
	raw, err := dec.DecodeAll(compressed, nil)
	dec.Close()
	if err != nil {
		e.log.Warn().Err(err).Msg("checkpoint unreadable, falling back to full replay")
		return nil, false
	}
	var cp checkpointState
	if err := msgpack.Unmarshal(raw, &cp); err != nil {
		e.log.Warn().Err(err).Msg("checkpoint undecodable, falling back to full replay")
		return nil, false
	}

	have := make(map[uint32]int64)
	for _, info := range e.wal.Segments() {
		have[info.ID] = info.Size
	}
	for id, size := range cp.Segments {
		if cur, ok := have[id]; !ok || cur < size {
			e.log.Warn().Uint32("segment", id).Msg("checkpoint predates segment change, full replay")
			return nil, false
		}
	}

	cp.entries = make(map[string]indexEntry, len(cp.Entries))
	for _, ent := range cp.Entries {
		if _, ok := have[ent.Segment]; !ok {
			e.log.Warn().Msg("checkpoint references removed segment, full replay")
			return nil, false
		}
		cp.entries[string(ent.Key)] = indexEntry{
			loc:     wal.Location{Segment: ent.Segment, Offset: ent.Offset},
			version: ent.Version,
			tomb:    ent.Tomb,
		}
	}
	return &cp, true
}

// replayDelta replays only log bytes written after the checkpoint:
// the tail of segments the checkpoint covered, and whole segments it
// had never seen.
func (e *Engine) replayDelta(cp *checkpointState, apply func(wal.Location, wal.Record) error) error {
	for _, info := range e.wal.Segments() {
		from, covered := cp.Segments[info.ID]
		if !covered {
			from = 0
		}
		if from >= info.Size {
			continue
		}
		if err := e.wal.ScanSegmentFrom(info.ID, from, apply); err != nil {
			return err
		}
	}
	return nil
}
