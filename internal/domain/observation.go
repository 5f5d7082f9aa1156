package domain

import (
	"time"
)

// Observation is a single operational event. It has no identity and no
// lifecycle: the engine either folds it into an existing pattern's
// statistics or seeds a new pattern from it, then discards it.
type Observation struct {
	Task           string         `json:"task,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Error          string         `json:"error,omitempty"`
	RecoveryAction string         `json:"recovery_action,omitempty"`
	ExecutionTime  float64        `json:"execution_time,omitempty"`
	Success        bool           `json:"success"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
}
