package service

import (
	"sort"

	"github.com/patternmesh/patternd/internal/domain"
)

// MatchResult pairs a pattern with its score against a query context.
type MatchResult struct {
	Pattern *domain.Pattern
	Score   float64
}

// Score computes how well a pattern applies to the given context tokens:
// the fraction of trigger conditions satisfied, weighted by the pattern's
// confidence, clamped to [0,1]. A condition is satisfied when every one of
// its tokens appears in the context. Pure function, no store access.
func Score(p *domain.Pattern, contextTokens []string) float64 {
	if len(p.TriggerConditions) == 0 || len(contextTokens) == 0 {
		return 0
	}

	set := make(map[string]struct{}, len(contextTokens))
	for _, t := range contextTokens {
		set[t] = struct{}{}
	}

	matched := 0
	for _, cond := range p.TriggerConditions {
		if conditionSatisfied(cond, set) {
			matched++
		}
	}

	score := float64(matched) / float64(len(p.TriggerConditions)) * p.Confidence
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func conditionSatisfied(cond string, contextTokens map[string]struct{}) bool {
	tokens := domain.Tokenize(cond)
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if _, ok := contextTokens[t]; !ok {
			return false
		}
	}
	return true
}

// sortMatches orders results by score desc, confidence desc, id asc, so
// equal inputs always rank identically across nodes.
func sortMatches(matches []MatchResult) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Pattern.Confidence != matches[j].Pattern.Confidence {
			return matches[i].Pattern.Confidence > matches[j].Pattern.Confidence
		}
		return matches[i].Pattern.ID < matches[j].Pattern.ID
	})
}
