package domain

import (
	"time"
)

// EventType identifies a live fan-out event.
type EventType string

const (
	EventPatternCreated       EventType = "pattern.created"
	EventPatternUpdated       EventType = "pattern.updated"
	EventPatternDeleted       EventType = "pattern.deleted"
	EventObservationProcessed EventType = "observation.processed"
)

// Event is pushed to connected observers when notable state changes.
// Delivery is best-effort with no replay; removing fan-out entirely must
// not change engine correctness.
type Event struct {
	Type      EventType `json:"type"`
	PatternID string    `json:"pattern_id,omitempty"`
	Pattern   *Pattern  `json:"pattern,omitempty"`
	Node      string    `json:"node,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
