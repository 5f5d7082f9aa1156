package store

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patternmesh/patternd/internal/domain"
)

// ErrNotFound is returned when a pattern id has no live entry.
var ErrNotFound = errors.New("pattern not found")

// DefaultTombstoneRetention keeps deletion markers long enough to outlast
// the federation sync interval, so a late-arriving stale copy cannot
// resurrect a deleted pattern.
const DefaultTombstoneRetention = 5 * time.Minute

type tombstone struct {
	version   int64
	deletedAt time.Time
}

// PatternStore is the authoritative in-memory pattern map plus the type
// and trigger-token indexes. Reads proceed concurrently; writes are
// mutually exclusive with reads and with each other, and hold the lock
// only for map and index updates, never for I/O.
type PatternStore struct {
	mu       sync.RWMutex
	patterns map[string]*domain.Pattern
	byType   map[domain.PatternType]map[string]struct{}
	byToken  map[string]map[string]struct{}

	tombstones map[string]tombstone
	retention  time.Duration

	staleDrops atomic.Int64
}

// NewPatternStore creates an empty store. A zero retention falls back to
// DefaultTombstoneRetention.
func NewPatternStore(retention time.Duration) *PatternStore {
	if retention <= 0 {
		retention = DefaultTombstoneRetention
	}
	return &PatternStore{
		patterns:   make(map[string]*domain.Pattern),
		byType:     make(map[domain.PatternType]map[string]struct{}),
		byToken:    make(map[string]map[string]struct{}),
		tombstones: make(map[string]tombstone),
		retention:  retention,
	}
}

// Get returns a copy of the pattern with the given id.
func (s *PatternStore) Get(id string) (*domain.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Upsert inserts or replaces a pattern if it wins the version gate.
// Losing the gate is a no-op, not an error: the caller gets false and the
// stale-drop counter increments. Both indexes are updated under the same
// lock as the map entry, so a concurrent read never sees them disagree.
func (s *PatternStore) Upsert(p *domain.Pattern) (bool, error) {
	if p == nil || p.ID == "" {
		return false, errors.New("pattern id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepTombstonesLocked()

	if ts, ok := s.tombstones[p.ID]; ok && p.Version <= ts.version {
		s.staleDrops.Add(1)
		return false, nil
	}
	if cur, ok := s.patterns[p.ID]; ok && !p.Newer(cur) {
		s.staleDrops.Add(1)
		return false, nil
	}

	s.storeLocked(p.Clone())
	delete(s.tombstones, p.ID)
	return true, nil
}

// Update applies fn to the stored pattern under the write lock, bumps the
// version and refreshes derived fields. Concurrent updates to one id are
// serialized here.
func (s *PatternStore) Update(id string, fn func(*domain.Pattern) error) (*domain.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.SourceNode = cur.SourceNode
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	next.RecomputeDerived()

	s.storeLocked(next)
	return next.Clone(), nil
}

// Delete tombstones a locally held pattern and returns the tombstone
// version for federation propagation.
func (s *PatternStore) Delete(id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.patterns[id]
	if !ok {
		return 0, ErrNotFound
	}

	version := cur.Version + 1
	s.removeLocked(cur)
	s.tombstones[id] = tombstone{version: version, deletedAt: time.Now()}
	return version, nil
}

// ApplyTombstone applies a replicated deletion, version-gated like any
// other mutation. The marker is recorded even when nothing was removed,
// so stale copies that arrive later stay dead.
func (s *PatternStore) ApplyTombstone(id string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.tombstones[id]; ok && version <= ts.version {
		s.staleDrops.Add(1)
		return false
	}

	removed := false
	if cur, ok := s.patterns[id]; ok {
		if version <= cur.Version {
			s.staleDrops.Add(1)
			return false
		}
		s.removeLocked(cur)
		removed = true
	}
	s.tombstones[id] = tombstone{version: version, deletedAt: time.Now()}
	return removed
}

// List returns copies of all patterns, optionally filtered by type,
// sorted by id for deterministic output.
func (s *PatternStore) List(t *domain.PatternType) []*domain.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Pattern
	if t == nil {
		out = make([]*domain.Pattern, 0, len(s.patterns))
		for _, p := range s.patterns {
			out = append(out, p.Clone())
		}
	} else {
		for id := range s.byType[*t] {
			out = append(out, s.patterns[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns copies of every pattern in the store.
func (s *PatternStore) All() []*domain.Pattern {
	return s.List(nil)
}

// Candidates returns copies of every pattern whose trigger-token index
// intersects any of the given tokens.
func (s *PatternStore) Candidates(tokens []string) []*domain.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]struct{})
	for _, tok := range tokens {
		for id := range s.byToken[tok] {
			ids[id] = struct{}{}
		}
	}

	out := make([]*domain.Pattern, 0, len(ids))
	for id := range ids {
		out = append(out, s.patterns[id].Clone())
	}
	return out
}

// Count returns the number of live patterns.
func (s *PatternStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// CountBySource splits the live pattern count into patterns owned by the
// given node and mirrors replicated from peers.
func (s *PatternStore) CountBySource(node string) (local int, mirrored int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.patterns {
		if p.SourceNode == node {
			local++
		} else {
			mirrored++
		}
	}
	return local, mirrored
}

// TypeCounts returns the number of live patterns per type.
func (s *PatternStore) TypeCounts() map[domain.PatternType]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.PatternType]int, len(s.byType))
	for t, ids := range s.byType {
		if len(ids) > 0 {
			counts[t] = len(ids)
		}
	}
	return counts
}

// StaleDrops returns how many mutations were rejected by the version gate.
func (s *PatternStore) StaleDrops() int64 {
	return s.staleDrops.Load()
}

// storeLocked replaces the map entry and reindexes. Caller holds the
// write lock; p must already be a private copy.
func (s *PatternStore) storeLocked(p *domain.Pattern) {
	if cur, ok := s.patterns[p.ID]; ok {
		s.removeLocked(cur)
	}

	s.patterns[p.ID] = p

	ids, ok := s.byType[p.Type]
	if !ok {
		ids = make(map[string]struct{})
		s.byType[p.Type] = ids
	}
	ids[p.ID] = struct{}{}

	for _, tok := range triggerTokens(p) {
		set, ok := s.byToken[tok]
		if !ok {
			set = make(map[string]struct{})
			s.byToken[tok] = set
		}
		set[p.ID] = struct{}{}
	}
}

// removeLocked drops the map entry and both index entries.
func (s *PatternStore) removeLocked(p *domain.Pattern) {
	delete(s.patterns, p.ID)

	if ids, ok := s.byType[p.Type]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(s.byType, p.Type)
		}
	}

	for _, tok := range triggerTokens(p) {
		if set, ok := s.byToken[tok]; ok {
			delete(set, p.ID)
			if len(set) == 0 {
				delete(s.byToken, tok)
			}
		}
	}
}

// sweepTombstonesLocked garbage-collects markers past the retention
// window. Called opportunistically from the write path.
func (s *PatternStore) sweepTombstonesLocked() {
	cutoff := time.Now().Add(-s.retention)
	for id, ts := range s.tombstones {
		if ts.deletedAt.Before(cutoff) {
			delete(s.tombstones, id)
		}
	}
}

// triggerTokens yields the deduplicated index tokens for a pattern's
// trigger conditions.
func triggerTokens(p *domain.Pattern) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, cond := range p.TriggerConditions {
		for _, tok := range domain.Tokenize(cond) {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				out = append(out, tok)
			}
		}
	}
	return out
}
