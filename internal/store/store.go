package store

import (
	"sync"

	"go.uber.org/zap"
)

// Store is the concurrent map of station id to Record. Record identity
// matters: removal is always conditional on the exact *Record still being
// mapped, so a concurrent re-create under the same id survives a removal
// aimed at its predecessor.
type Store struct {
	records sync.Map
	dir     string
	policy  ExpiryPolicy
	logger  *zap.Logger
}

// New creates a Store persisting records under dir.
func New(dir string, policy ExpiryPolicy, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		policy: policy,
		logger: logger,
	}
}

// GetOrCreate returns the record for id, creating a blank one if none is
// mapped. The second result reports whether this call created it.
func (s *Store) GetOrCreate(id string) (*Record, bool) {
	if rec, ok := s.records.Load(id); ok {
		return rec.(*Record), false
	}
	rec, loaded := s.records.LoadOrStore(id, newRecord(id, s.dir, s.policy, s.logger))
	return rec.(*Record), !loaded
}

// Get returns the record for id, or nil.
func (s *Store) Get(id string) *Record {
	if rec, ok := s.records.Load(id); ok {
		return rec.(*Record)
	}
	return nil
}

// Len returns the number of mapped records.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range calls fn for each mapped record until fn returns false.
func (s *Store) Range(fn func(*Record) bool) {
	s.records.Range(func(_, v any) bool {
		return fn(v.(*Record))
	})
}

// RemoveIfOrigin deletes the record mapped at id if its last update came
// from the given origin. The record's file is deleted and the mapping
// removed in one exclusive critical section, so a concurrent writer either
// sees the record fully alive or fully gone.
func (s *Store) RemoveIfOrigin(id, host string, port int) bool {
	v, ok := s.records.Load(id)
	if !ok {
		return false
	}
	rec := v.(*Record)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.originHost != host || rec.originPort != port {
		return false
	}
	rec.deleteFileLocked()
	return s.records.CompareAndDelete(id, rec)
}

// SweepExpired removes every record whose expiry predicate holds against
// the given global update count. Each eviction deletes the file and the
// mapping under the record's exclusive lock. Returns the ids evicted.
func (s *Store) SweepExpired(currentSeq, nowMs int64) []string {
	var evicted []string
	s.records.Range(func(k, v any) bool {
		id := k.(string)
		rec := v.(*Record)

		rec.mu.Lock()
		if rec.isExpiredLocked(currentSeq, nowMs) {
			rec.deleteFileLocked()
			if s.records.CompareAndDelete(id, rec) {
				evicted = append(evicted, id)
			}
		}
		rec.mu.Unlock()
		return true
	})
	return evicted
}
