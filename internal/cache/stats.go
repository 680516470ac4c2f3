package cache

import "sync/atomic"

// Stats holds process-wide cache counters. They are monotonic for the life
// of the service instance and reset only on process restart. The struct is
// owned by the Service rather than living in package state, so two service
// instances never share counters.
type Stats struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// Snapshot is a point-in-time copy of the counters for health reporting.
type Snapshot struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errors.Load(),
	}
}

// HitRate returns hits / (hits + misses), or 0 when no reads have happened.
func (s Snapshot) HitRate() float64 {
	reads := s.Hits + s.Misses
	if reads == 0 {
		return 0
	}
	return float64(s.Hits) / float64(reads)
}

// ErrorRate returns errors / total operations, or 0 when idle.
func (s Snapshot) ErrorRate() float64 {
	total := s.Hits + s.Misses + s.Sets + s.Deletes
	if total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(total)
}
