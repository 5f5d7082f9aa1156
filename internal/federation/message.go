package federation

import (
	"time"

	"github.com/patternmesh/patternd/internal/domain"
)

// Message is the wire format on the federation channel. Exactly one of
// Pattern or Tombstone is meaningful. Origin is the node that published
// the message, which is not necessarily the pattern's owner: a node may
// republish a mirror it mutated through outcome feedback.
type Message struct {
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	SourceNode string          `json:"source_node"`
	Origin     string          `json:"origin"`
	Tombstone  bool            `json:"tombstone,omitempty"`
	Pattern    *domain.Pattern `json:"pattern,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// Heartbeat is the wire format on the discovery channel.
type Heartbeat struct {
	NodeID   string    `json:"node_id"`
	Patterns int       `json:"patterns"`
	SentAt   time.Time `json:"sent_at"`
}
