package engine

import "sync/atomic"

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Reads            uint64 `json:"reads"`
	Commits          uint64 `json:"commits"`
	Records          uint64 `json:"records"`
	Conflicts        uint64 `json:"conflicts"`
	LockConflicts    uint64 `json:"lock_conflicts"`
	Compactions      uint64 `json:"compactions"`
	Keys             int    `json:"keys"`
	ActiveSnapshots  int    `json:"active_snapshots"`
	CommittedVersion uint64 `json:"committed_version"`
}

// statsCollector tracks real-time counters with atomics.
type statsCollector struct {
	reads         atomic.Uint64
	commits       atomic.Uint64
	records       atomic.Uint64
	conflicts     atomic.Uint64
	lockConflicts atomic.Uint64
	compactions   atomic.Uint64
}

func (s *statsCollector) view() Stats {
	return Stats{
		Reads:         s.reads.Load(),
		Commits:       s.commits.Load(),
		Records:       s.records.Load(),
		Conflicts:     s.conflicts.Load(),
		LockConflicts: s.lockConflicts.Load(),
		Compactions:   s.compactions.Load(),
	}
}
