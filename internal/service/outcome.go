package service

import (
	"time"

	"github.com/patternmesh/patternd/internal/domain"
)

// Outcome feedback tuning. Confidence adjustment is asymmetric: failures
// are penalized faster than successes are rewarded, and the reward only
// kicks in once the success rate clears a bar over a minimum sample size.
const (
	OutcomeConfidenceBoost   = 0.02
	OutcomeConfidencePenalty = 0.05
	MaxConfidence            = 1.0
	MinConfidence            = 0.1
	HighConfidenceRate       = 0.8
	MinOutcomeSamples        = 3
)

// applyOutcome folds one success/failure report into a pattern's running
// statistics and confidence. The caller runs it inside the store's write
// lock via Update, which also bumps the version and refreshes the derived
// rate and timing fields.
func applyOutcome(p *domain.Pattern, success bool, executionTime float64) {
	p.UsageCount++
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	if executionTime > 0 {
		p.TotalExecutionTime += executionTime
	}
	now := time.Now().UTC()
	p.LastUsedAt = &now

	p.RecomputeDerived()

	if success {
		if p.UsageCount >= MinOutcomeSamples && p.SuccessRate > HighConfidenceRate {
			p.Confidence += OutcomeConfidenceBoost
			if p.Confidence > MaxConfidence {
				p.Confidence = MaxConfidence
			}
		}
	} else {
		p.Confidence -= OutcomeConfidencePenalty
		if p.Confidence < MinConfidence {
			p.Confidence = MinConfidence
		}
	}
}
