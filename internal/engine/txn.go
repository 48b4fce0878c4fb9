package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/manifest/storage/internal/wal"
)

// OpKind selects the mutation a batch operation performs.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one mutation inside an atomic batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // ignored for OpDelete
}

// Guard asserts that a key's latest committed version still equals
// Version (0 = key absent) at commit time. A failed guard aborts the
// whole batch with ErrConflict. This is the optimistic validation of
// a transaction's read set: read a key, remember its version, guard
// on it when writing.
type Guard struct {
	Key     []byte
	Version uint64
}

// commit is the single write path: every Put, Delete and Batch goes
// through here. It acquires write intents for all touched keys in
// sorted order, validates guards, then under the commit mutex
// allocates versions, appends all records as one durable batch,
// updates the index and publishes the committed watermark. A failed
// append leaves the index untouched.
//
// Duplicate keys within ops collapse to the last op for that key; the
// batch is atomic, so intermediate states would never be observable.
func (e *Engine) commit(ctx context.Context, ops []Op, guards []Guard, strictDelete bool) (uint64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	if len(ops) == 0 {
		return 0, fmt.Errorf("empty batch")
	}

	byKey := make(map[string]int, len(ops))
	order := make([]string, 0, len(ops))
	for i, op := range ops {
		if len(op.Key) == 0 {
			return 0, fmt.Errorf("empty key in batch op %d", i)
		}
		if op.Kind != OpPut && op.Kind != OpDelete {
			return 0, fmt.Errorf("unknown op kind %d in batch op %d", op.Kind, i)
		}
		k := string(op.Key)
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = i
	}

	locked := make([]string, 0, len(order)+len(guards))
	locked = append(locked, order...)
	for _, g := range guards {
		k := string(g.Key)
		if _, seen := byKey[k]; !seen {
			byKey[k] = -1
			locked = append(locked, k)
		}
	}
	sort.Strings(locked)

	release, err := e.intents.acquireAll(ctx, locked, e.cfg.IntentTimeout)
	if err != nil {
		if ctx.Err() == nil {
			e.stats.lockConflicts.Add(1)
		}
		return 0, err
	}
	defer release()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	for _, g := range guards {
		if cur := e.idx.Version(g.Key); cur != g.Version {
			e.stats.conflicts.Add(1)
			return 0, fmt.Errorf("%w: key %q at version %d, guard expected %d",
				ErrConflict, g.Key, cur, g.Version)
		}
	}
	if strictDelete {
		for _, k := range order {
			op := ops[byKey[k]]
			if op.Kind != OpDelete {
				continue
			}
			if ent, ok := e.idx.Entry(op.Key); !ok || ent.tomb {
				return 0, fmt.Errorf("%w: %q", ErrNotFound, op.Key)
			}
		}
	}

	recs := make([]wal.Record, 0, len(order))
	var last uint64
	for _, k := range order {
		op := ops[byKey[k]]
		var prev wal.Location
		if ent, ok := e.idx.Entry(op.Key); ok {
			prev = ent.loc
		}
		last = e.vers.allocate()
		rec := wal.Record{
			Key:     op.Key,
			Version: last,
			Prev:    prev,
		}
		if op.Kind == OpDelete {
			rec.Kind = wal.KindTombstone
		} else {
			rec.Kind = wal.KindValue
			rec.Value = op.Value
		}
		recs = append(recs, rec)
	}

	locs, err := e.wal.AppendBatch(recs)
	if err != nil {
		// The log truncated the partial batch; nothing became visible.
		return 0, fmt.Errorf("append batch: %w", err)
	}

	for i := range recs {
		e.idx.Update(recs[i].Key, locs[i], recs[i].Version, recs[i].Tombstone())
	}
	e.vers.publish(last)
	e.stats.commits.Add(1)
	e.stats.records.Add(uint64(len(recs)))
	return last, nil
}
