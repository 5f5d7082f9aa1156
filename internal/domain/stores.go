package domain

// PatternStore owns the authoritative in-memory pattern map plus its
// secondary indexes. Implementations must be safe for concurrent use and
// must never hold their lock across I/O.
type PatternStore interface {
	Get(id string) (*Pattern, error)
	// Upsert is the mutation path for both local writes and accepted
	// replication payloads. It returns false (and no error) when the
	// incoming pattern loses the version gate against the stored copy or
	// an outstanding tombstone.
	Upsert(p *Pattern) (bool, error)
	// Update applies fn to the stored pattern under the write lock,
	// bumps its version and refreshes derived fields. Local concurrent
	// updates to one id serialize here, so no update is lost.
	Update(id string, fn func(*Pattern) error) (*Pattern, error)
	// Delete tombstones a locally held pattern and returns the tombstone
	// version to propagate to peers.
	Delete(id string) (int64, error)
	// ApplyTombstone applies a replicated deletion. It reports whether a
	// live pattern was actually removed.
	ApplyTombstone(id string, version int64) bool
	List(t *PatternType) []*Pattern
	All() []*Pattern
	// Candidates returns patterns whose trigger-token index intersects
	// any of the given tokens. It is a pre-filter for scoring, always a
	// superset of the true match set.
	Candidates(tokens []string) []*Pattern
	Count() int
	CountBySource(node string) (local int, mirrored int)
	TypeCounts() map[PatternType]int
	StaleDrops() int64
}

// Publisher pushes accepted local mutations onto the federation bus.
// Publishing is fire-and-forget: implementations must never block the
// caller on broker I/O and must absorb broker failures.
type Publisher interface {
	PublishPattern(p *Pattern)
	PublishTombstone(id string, version int64)
}

// Broadcaster pushes engine events to currently connected observers.
type Broadcaster interface {
	Broadcast(e Event)
}
