package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patternmesh/patternd/internal/domain"
	"github.com/patternmesh/patternd/internal/store"
	"go.uber.org/zap"
)

// Engine defaults
const (
	NewPatternConfidence  = 0.5 // seed for implicitly extracted patterns
	DefaultMatchThreshold = 0.3
	DefaultMatchLimit     = 20
	DefaultRecommendLimit = 10
)

var (
	ErrPatternNotFound    = errors.New("pattern not found")
	ErrPatternExists      = errors.New("pattern already exists")
	ErrInvalidPatternType = errors.New("invalid pattern type")
	ErrValidation         = errors.New("validation failed")
)

// EngineService is the single entry point composing the store, scoring,
// outcome tracking, federation publish and live fan-out under one
// concurrency discipline: store critical sections are short and lock-only;
// bus publishes and observer sends happen after the store write, outside
// any lock, and never fail the caller.
type EngineService struct {
	store     domain.PatternStore
	publisher domain.Publisher
	hub       domain.Broadcaster
	nodeID    string
	logger    *zap.Logger
}

// NewEngineService creates the engine facade for one node.
func NewEngineService(st domain.PatternStore, publisher domain.Publisher, hub domain.Broadcaster, nodeID string, logger *zap.Logger) *EngineService {
	return &EngineService{
		store:     st,
		publisher: publisher,
		hub:       hub,
		nodeID:    nodeID,
		logger:    logger,
	}
}

// NodeID returns this node's identifier.
func (s *EngineService) NodeID() string {
	return s.nodeID
}

// RegisterInput contains the input for explicit pattern registration.
type RegisterInput struct {
	ID                string // optional; generated when empty
	Type              domain.PatternType
	Description       string
	TriggerConditions []string
	Actions           []domain.Action
	Confidence        float64 // defaults to NewPatternConfidence
}

// Register creates a pattern owned by this node and propagates it.
func (s *EngineService) Register(ctx context.Context, input RegisterInput) (*domain.Pattern, error) {
	if !input.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPatternType, input.Type)
	}
	if len(input.TriggerConditions) == 0 {
		return nil, fmt.Errorf("%w: trigger_conditions are required", ErrValidation)
	}
	if len(input.Actions) == 0 {
		return nil, fmt.Errorf("%w: actions are required", ErrValidation)
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := s.store.Get(id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPatternExists, id)
	}

	confidence := input.Confidence
	if confidence <= 0 {
		confidence = NewPatternConfidence
	}
	if confidence > 1 {
		confidence = 1
	}

	now := time.Now().UTC()
	p := &domain.Pattern{
		ID:                id,
		Type:              input.Type,
		Description:       input.Description,
		TriggerConditions: input.TriggerConditions,
		Actions:           input.Actions,
		Confidence:        confidence,
		SourceNode:        s.nodeID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	applied, err := s.store.Upsert(p)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: %s", ErrPatternExists, id)
	}

	s.logger.Info("pattern registered",
		zap.String("pattern_id", p.ID),
		zap.String("type", string(p.Type)))

	s.propagate(p, domain.EventPatternCreated)
	return p.Clone(), nil
}

// ObserveResult reports what an observation did to the pattern set.
type ObserveResult struct {
	PatternID string          `json:"pattern_id,omitempty"`
	Created   bool            `json:"created"`
	Updated   bool            `json:"updated"`
	Pattern   *domain.Pattern `json:"pattern,omitempty"`
}

// Observe ingests one operational event. An observation whose derived
// trigger set already exists as a pattern of the same type is folded into
// that pattern's statistics; otherwise a new pattern is seeded when the
// event carries enough signal. Observations with neither are still
// fanned out but change nothing.
func (s *EngineService) Observe(ctx context.Context, obs domain.Observation) (*ObserveResult, error) {
	defer s.hub.Broadcast(domain.Event{
		Type:      domain.EventObservationProcessed,
		Node:      s.nodeID,
		Timestamp: time.Now().UTC(),
	})

	pType, triggers, actions, description := extractPattern(obs)
	if len(triggers) == 0 {
		return &ObserveResult{}, nil
	}

	if existing := s.findByTriggers(pType, triggers); existing != nil {
		updated, err := s.recordOutcome(existing.ID, obs.Success, obs.ExecutionTime)
		if err != nil {
			return nil, err
		}
		return &ObserveResult{PatternID: updated.ID, Updated: true, Pattern: updated}, nil
	}

	now := time.Now().UTC()
	p := &domain.Pattern{
		ID:                uuid.NewString(),
		Type:              pType,
		Description:       description,
		TriggerConditions: triggers,
		Actions:           actions,
		Confidence:        NewPatternConfidence,
		SourceNode:        s.nodeID,
		Version:           1,
		UsageCount:        1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if obs.Success {
		p.SuccessCount = 1
	} else {
		p.FailureCount = 1
	}
	if obs.ExecutionTime > 0 {
		p.TotalExecutionTime = obs.ExecutionTime
	}
	p.LastUsedAt = &now
	p.RecomputeDerived()

	applied, err := s.store.Upsert(p)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost a race with an identical extraction; fold into the winner.
		if existing := s.findByTriggers(pType, triggers); existing != nil {
			updated, err := s.recordOutcome(existing.ID, obs.Success, obs.ExecutionTime)
			if err != nil {
				return nil, err
			}
			return &ObserveResult{PatternID: updated.ID, Updated: true, Pattern: updated}, nil
		}
		return &ObserveResult{}, nil
	}

	s.logger.Debug("pattern extracted from observation",
		zap.String("pattern_id", p.ID),
		zap.String("type", string(p.Type)))

	s.propagate(p, domain.EventPatternCreated)
	return &ObserveResult{PatternID: p.ID, Created: true, Pattern: p.Clone()}, nil
}

// ObserveBatch ingests an ordered list of observations, one result per
// item, same semantics as Observe.
func (s *EngineService) ObserveBatch(ctx context.Context, observations []domain.Observation) ([]*ObserveResult, error) {
	results := make([]*ObserveResult, 0, len(observations))
	for _, obs := range observations {
		res, err := s.Observe(ctx, obs)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Get returns one pattern by id.
func (s *EngineService) Get(ctx context.Context, id string) (*domain.Pattern, error) {
	p, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
		}
		return nil, err
	}
	return p, nil
}

// List returns patterns, optionally filtered by type.
func (s *EngineService) List(ctx context.Context, typeFilter string) ([]*domain.Pattern, error) {
	if typeFilter == "" {
		return s.store.All(), nil
	}
	t := domain.PatternType(typeFilter)
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPatternType, typeFilter)
	}
	return s.store.List(&t), nil
}

// Delete tombstones a pattern and propagates the deletion to peers.
func (s *EngineService) Delete(ctx context.Context, id string) error {
	version, err := s.store.Delete(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
		}
		return err
	}

	s.logger.Info("pattern deleted",
		zap.String("pattern_id", id),
		zap.Int64("version", version))

	s.publisher.PublishTombstone(id, version)
	s.hub.Broadcast(domain.Event{
		Type:      domain.EventPatternDeleted,
		PatternID: id,
		Node:      s.nodeID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Match scores patterns against a query context and returns everything at
// or above the threshold, ranked deterministically. A zero threshold means
// every candidate; callers wanting the default pass DefaultMatchThreshold.
// An empty context yields an empty result, never an error.
func (s *EngineService) Match(ctx context.Context, queryContext map[string]any, threshold float64, limit int) []MatchResult {
	tokens := domain.FlattenContext(queryContext)
	if len(tokens) == 0 {
		return nil
	}
	if threshold < 0 {
		threshold = 0
	}
	if limit <= 0 {
		limit = DefaultMatchLimit
	}

	var matches []MatchResult
	for _, p := range s.store.Candidates(tokens) {
		score := Score(p, tokens)
		if score >= threshold {
			matches = append(matches, MatchResult{Pattern: p, Score: score})
		}
	}
	sortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// RecommendedAction is one action drawn from a matched pattern.
type RecommendedAction struct {
	Action    domain.Action `json:"action"`
	PatternID string        `json:"pattern_id"`
	Score     float64       `json:"score"`
}

// Recommend returns action descriptors from matched patterns, in match
// rank order, deduplicated by kind and value.
func (s *EngineService) Recommend(ctx context.Context, queryContext map[string]any, limit int) []RecommendedAction {
	if limit <= 0 {
		limit = DefaultRecommendLimit
	}

	matches := s.Match(ctx, queryContext, DefaultMatchThreshold, DefaultMatchLimit)

	seen := make(map[string]struct{})
	var out []RecommendedAction
	for _, m := range matches {
		for _, a := range m.Pattern.Actions {
			key := a.Kind + "\x00" + a.Value
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, RecommendedAction{Action: a, PatternID: m.Pattern.ID, Score: m.Score})
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// RecordOutcome folds one success/failure report into a pattern and
// propagates the mutation.
func (s *EngineService) RecordOutcome(ctx context.Context, id string, success bool, executionTime float64) (*domain.Pattern, error) {
	return s.recordOutcome(id, success, executionTime)
}

func (s *EngineService) recordOutcome(id string, success bool, executionTime float64) (*domain.Pattern, error) {
	updated, err := s.store.Update(id, func(p *domain.Pattern) error {
		applyOutcome(p, success, executionTime)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
		}
		return nil, err
	}

	s.propagate(updated, domain.EventPatternUpdated)
	return updated, nil
}

// Statistics aggregates counts over the local store.
type Statistics struct {
	NodeID           string                     `json:"node_id"`
	TotalPatterns    int                        `json:"total_patterns"`
	LocalPatterns    int                        `json:"local_patterns"`
	MirroredPatterns int                        `json:"mirrored_patterns"`
	PatternsByType   map[domain.PatternType]int `json:"patterns_by_type"`
	TotalUsage       int                        `json:"total_usage"`
	AvgConfidence    float64                    `json:"avg_confidence"`
	StaleDrops       int64                      `json:"stale_drops"`
}

// Statistics returns aggregate counts for this node's store.
func (s *EngineService) Statistics(ctx context.Context) *Statistics {
	local, mirrored := s.store.CountBySource(s.nodeID)

	stats := &Statistics{
		NodeID:           s.nodeID,
		TotalPatterns:    local + mirrored,
		LocalPatterns:    local,
		MirroredPatterns: mirrored,
		PatternsByType:   s.store.TypeCounts(),
		StaleDrops:       s.store.StaleDrops(),
	}

	var confidenceSum float64
	all := s.store.All()
	for _, p := range all {
		stats.TotalUsage += p.UsageCount
		confidenceSum += p.Confidence
	}
	if len(all) > 0 {
		stats.AvgConfidence = confidenceSum / float64(len(all))
	}
	return stats
}

// propagate pushes an accepted local mutation to the federation bus and
// to connected observers. Both are asynchronous side effects of an
// already-completed store write and never surface errors to the caller.
func (s *EngineService) propagate(p *domain.Pattern, eventType domain.EventType) {
	s.publisher.PublishPattern(p)
	s.hub.Broadcast(domain.Event{
		Type:      eventType,
		PatternID: p.ID,
		Pattern:   p.Clone(),
		Node:      s.nodeID,
		Timestamp: time.Now().UTC(),
	})
}

// findByTriggers locates a pattern of the given type whose trigger set
// tokenizes identically to the given conditions.
func (s *EngineService) findByTriggers(t domain.PatternType, triggers []string) *domain.Pattern {
	want := tokenSet(triggers)
	if len(want) == 0 {
		return nil
	}
	for _, p := range s.store.Candidates(mapKeys(want)) {
		if p.Type != t {
			continue
		}
		if setsEqual(want, tokenSet(p.TriggerConditions)) {
			return p
		}
	}
	return nil
}

// extractPattern derives a pattern skeleton from an observation. Only two
// signals are strong enough to seed a pattern: an error paired with the
// action that recovered from it, and a tool paired with the task it was
// used for.
func extractPattern(obs domain.Observation) (domain.PatternType, []string, []domain.Action, string) {
	switch {
	case obs.Error != "" && obs.RecoveryAction != "":
		return domain.PatternTypeErrorRecovery,
			domain.Tokenize(obs.Error),
			[]domain.Action{{Kind: "recovery", Value: obs.RecoveryAction}},
			"Recover from: " + obs.Error
	case obs.Tool != "" && obs.Task != "":
		return domain.PatternTypeToolUsage,
			domain.Tokenize(obs.Task),
			[]domain.Action{{Kind: "tool", Value: obs.Tool}},
			"Use " + obs.Tool + " for: " + obs.Task
	default:
		return "", nil, nil, ""
	}
}

func tokenSet(conditions []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range conditions {
		for _, tok := range domain.Tokenize(c) {
			set[tok] = struct{}{}
		}
	}
	return set
}

func mapKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
