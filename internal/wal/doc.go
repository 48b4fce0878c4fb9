// Package wal implements the append-only segmented record log the
// engine stores everything in. Records are CRC-framed and addressed by
// (segment, offset) locations; segments rotate at a size bound, sealed
// segments are immutable, and compaction replaces them through
// CompactionWriter and SwapCompacted with an atomic tmp+rename swap.
package wal
