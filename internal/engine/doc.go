// Package engine implements the versioned key-value storage core: an
// in-memory index over an append-only record log, with per-key write
// intents, optimistic guard validation, snapshot-isolated reads and
// background compaction.
//
// Write path:
//   - acquire write intents for every touched key (bounded wait)
//   - validate guards against current index versions
//   - under the commit mutex: allocate versions, durably append all
//     records as one batch, update the index, publish the watermark
//
// Read path:
//   - Get resolves the key's latest record through the index
//   - ReadAt walks the record's version chain (Prev back-references)
//     down to the newest record at or below the snapshot version
//
// Compaction rewrites sealed log segments into fresh ones, dropping
// records that are superseded and unobservable, then swaps the segment
// set atomically. Rewritten locations stay resolvable through a
// two-generation remap table inside the log.
package engine
