package domain

import (
	"time"
)

// PatternType partitions patterns for candidate lookup. It is never a
// scoring weight by itself.
type PatternType string

const (
	PatternTypeErrorRecovery     PatternType = "error_recovery"
	PatternTypeToolUsage         PatternType = "tool_usage"
	PatternTypeWorkflow          PatternType = "workflow"
	PatternTypeContextPreference PatternType = "context_preference"
)

// ValidPatternTypes returns all valid pattern types.
func ValidPatternTypes() []PatternType {
	return []PatternType{
		PatternTypeErrorRecovery,
		PatternTypeToolUsage,
		PatternTypeWorkflow,
		PatternTypeContextPreference,
	}
}

// IsValid checks if the pattern type is valid.
func (pt PatternType) IsValid() bool {
	switch pt {
	case PatternTypeErrorRecovery, PatternTypeToolUsage, PatternTypeWorkflow, PatternTypeContextPreference:
		return true
	default:
		return false
	}
}

// Action is one recommended action descriptor. The engine treats it as
// opaque; Metadata carries unstructured extension data.
type Action struct {
	Kind     string         `json:"kind"`
	Value    string         `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Pattern represents a learned trigger→action rule with a confidence score.
// It encodes "when the context looks like X, do Y" knowledge shared across
// the federation.
type Pattern struct {
	ID          string      `json:"id"`
	Type        PatternType `json:"type"`
	Description string      `json:"description"`

	// Trigger conditions (when this pattern applies)
	TriggerConditions []string `json:"trigger_conditions"`

	// Recommended actions (what to do)
	Actions []Action `json:"actions"`

	// Effectiveness tracking
	Confidence         float64    `json:"confidence"`
	UsageCount         int        `json:"usage_count"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	SuccessRate        float64    `json:"success_rate"`
	TotalExecutionTime float64    `json:"total_execution_time"`
	AvgExecutionTime   float64    `json:"avg_execution_time"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`

	// Replication. SourceNode is the owning node and never changes once
	// set; Version increases on every mutation and resolves conflicts
	// (last-writer-wins, source node as lexical tie-break).
	SourceNode string `json:"source_node"`
	Version    int64  `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (p *Pattern) Clone() *Pattern {
	cp := *p
	if p.TriggerConditions != nil {
		cp.TriggerConditions = make([]string, len(p.TriggerConditions))
		copy(cp.TriggerConditions, p.TriggerConditions)
	}
	if p.Actions != nil {
		cp.Actions = make([]Action, len(p.Actions))
		for i, a := range p.Actions {
			cp.Actions[i] = a
			if a.Metadata != nil {
				md := make(map[string]any, len(a.Metadata))
				for k, v := range a.Metadata {
					md[k] = v
				}
				cp.Actions[i].Metadata = md
			}
		}
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// RecomputeDerived refreshes success_rate and avg_execution_time from the
// raw counters. Both are 0 while usage_count is 0.
func (p *Pattern) RecomputeDerived() {
	if p.UsageCount > 0 {
		p.SuccessRate = float64(p.SuccessCount) / float64(p.UsageCount)
		p.AvgExecutionTime = p.TotalExecutionTime / float64(p.UsageCount)
	} else {
		p.SuccessRate = 0
		p.AvgExecutionTime = 0
	}
}

// Newer reports whether p should replace cur under last-writer-wins.
// Versions decide; equal versions fall back to source node lexical order
// so every node resolves the conflict the same way.
func (p *Pattern) Newer(cur *Pattern) bool {
	if p.Version != cur.Version {
		return p.Version > cur.Version
	}
	return p.SourceNode > cur.SourceNode
}
