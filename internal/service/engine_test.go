package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/patternmesh/patternd/internal/domain"
	"github.com/patternmesh/patternd/internal/store"
)

// mockPublisher records federation publishes.
type mockPublisher struct {
	mu         sync.Mutex
	patterns   []*domain.Pattern
	tombstones []string
}

func (m *mockPublisher) PublishPattern(p *domain.Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, p)
}

func (m *mockPublisher) PublishTombstone(id string, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstones = append(m.tombstones, id)
}

// mockBroadcaster records fan-out events.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockBroadcaster) Broadcast(e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockBroadcaster) eventTypes() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func newTestEngine(t *testing.T) (*EngineService, *mockPublisher, *mockBroadcaster) {
	t.Helper()
	pub := &mockPublisher{}
	hub := &mockBroadcaster{}
	svc := NewEngineService(store.NewPatternStore(0), pub, hub, "node-a", zap.NewNop())
	return svc, pub, hub
}

func registerTestPattern(t *testing.T, svc *EngineService, input RegisterInput) *domain.Pattern {
	t.Helper()
	p, err := svc.Register(context.Background(), input)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return p
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{
		Type:              "bogus",
		TriggerConditions: []string{"x"},
		Actions:           []domain.Action{{Kind: "tool", Value: "y"}},
	})
	if !errors.Is(err, ErrInvalidPatternType) {
		t.Errorf("expected ErrInvalidPatternType, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterInput{
		Type:    domain.PatternTypeToolUsage,
		Actions: []domain.Action{{Kind: "tool", Value: "y"}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing triggers, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterInput{
		Type:              domain.PatternTypeToolUsage,
		TriggerConditions: []string{"x"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing actions, got %v", err)
	}
}

func TestRegisterDefaults(t *testing.T) {
	svc, pub, _ := newTestEngine(t)

	p := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
	})

	if p.ID == "" {
		t.Error("expected generated id")
	}
	if p.Confidence != NewPatternConfidence {
		t.Errorf("expected default confidence %f, got %f", NewPatternConfidence, p.Confidence)
	}
	if p.Version != 1 || p.SourceNode != "node-a" {
		t.Errorf("unexpected ownership: version=%d source=%s", p.Version, p.SourceNode)
	}
	if len(pub.patterns) != 1 {
		t.Errorf("expected 1 federation publish, got %d", len(pub.patterns))
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	input := RegisterInput{
		ID:                "fixed-id",
		Type:              domain.PatternTypeToolUsage,
		TriggerConditions: []string{"search code"},
		Actions:           []domain.Action{{Kind: "tool", Value: "grep"}},
	}

	registerTestPattern(t, svc, input)

	if _, err := svc.Register(context.Background(), input); !errors.Is(err, ErrPatternExists) {
		t.Errorf("expected ErrPatternExists, got %v", err)
	}
}

func TestRecordOutcomeStatistics(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	p := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
	})

	// Three successes and one failure. The failure reports no timing.
	for _, execTime := range []float64{1.0, 1.0, 2.0} {
		if _, err := svc.RecordOutcome(ctx, p.ID, true, execTime); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}
	updated, err := svc.RecordOutcome(ctx, p.ID, false, 0)
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	if updated.UsageCount != 4 {
		t.Errorf("expected usage count 4, got %d", updated.UsageCount)
	}
	if updated.SuccessRate != 0.75 {
		t.Errorf("expected success rate 0.75, got %f", updated.SuccessRate)
	}
	if updated.AvgExecutionTime != 1.0 {
		t.Errorf("expected avg execution time 1.0, got %f", updated.AvgExecutionTime)
	}
}

func TestConfidenceAdjustmentAsymmetry(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	p := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
		Confidence:        0.5,
	})

	// First two successes: below the sample bar, no boost yet.
	u1, _ := svc.RecordOutcome(ctx, p.ID, true, 1.0)
	if u1.Confidence != 0.5 {
		t.Errorf("boost before minimum samples: %f", u1.Confidence)
	}
	svc.RecordOutcome(ctx, p.ID, true, 1.0)

	// Third success: 3 samples, rate 1.0 > 0.8, boost applies.
	u3, _ := svc.RecordOutcome(ctx, p.ID, true, 1.0)
	if math.Abs(u3.Confidence-0.52) > 1e-9 {
		t.Errorf("expected confidence 0.52 after boost, got %f", u3.Confidence)
	}

	// A failure penalizes harder than a success rewards.
	u4, _ := svc.RecordOutcome(ctx, p.ID, false, 0)
	if math.Abs(u4.Confidence-0.47) > 1e-9 {
		t.Errorf("expected confidence 0.47 after penalty, got %f", u4.Confidence)
	}
}

func TestConfidenceFloor(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	p := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
		Confidence:        0.15,
	})

	var last *domain.Pattern
	for i := 0; i < 5; i++ {
		last, _ = svc.RecordOutcome(ctx, p.ID, false, 0)
	}
	if last.Confidence != MinConfidence {
		t.Errorf("confidence should floor at %f, got %f", MinConfidence, last.Confidence)
	}
}

func TestObserveExtractsErrorRecovery(t *testing.T) {
	svc, pub, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := svc.Observe(ctx, domain.Observation{
		Error:          "connection timeout",
		RecoveryAction: "retry with backoff",
		ExecutionTime:  1.5,
		Success:        true,
	})
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if !res.Created || res.Pattern == nil {
		t.Fatal("expected a new pattern")
	}
	if res.Pattern.Type != domain.PatternTypeErrorRecovery {
		t.Errorf("expected error_recovery, got %s", res.Pattern.Type)
	}
	if res.Pattern.UsageCount != 1 || res.Pattern.SuccessCount != 1 {
		t.Errorf("seed statistics wrong: usage=%d success=%d",
			res.Pattern.UsageCount, res.Pattern.SuccessCount)
	}
	if len(pub.patterns) != 1 {
		t.Errorf("expected federation publish for extracted pattern")
	}

	// Same signal again folds into the existing pattern.
	res2, err := svc.Observe(ctx, domain.Observation{
		Error:          "connection timeout",
		RecoveryAction: "retry with backoff",
		ExecutionTime:  0.5,
		Success:        true,
	})
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if res2.Created || !res2.Updated {
		t.Fatal("second observation should update, not create")
	}
	if res2.PatternID != res.PatternID {
		t.Error("observation folded into the wrong pattern")
	}
	if res2.Pattern.UsageCount != 2 {
		t.Errorf("expected usage count 2, got %d", res2.Pattern.UsageCount)
	}
}

func TestObserveExtractsToolUsage(t *testing.T) {
	svc, _, _ := newTestEngine(t)

	res, err := svc.Observe(context.Background(), domain.Observation{
		Task:    "search the codebase",
		Tool:    "grep",
		Success: true,
	})
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if !res.Created || res.Pattern.Type != domain.PatternTypeToolUsage {
		t.Fatalf("expected tool_usage pattern, got %+v", res)
	}
	if res.Pattern.Actions[0].Kind != "tool" || res.Pattern.Actions[0].Value != "grep" {
		t.Errorf("unexpected action: %+v", res.Pattern.Actions[0])
	}
}

func TestObserveWithoutSignal(t *testing.T) {
	svc, _, hub := newTestEngine(t)

	res, err := svc.Observe(context.Background(), domain.Observation{Success: true})
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if res.Created || res.Updated {
		t.Error("signal-free observation should change nothing")
	}

	// The observation is still fanned out.
	types := hub.eventTypes()
	if len(types) != 1 || types[0] != domain.EventObservationProcessed {
		t.Errorf("expected one observation.processed event, got %v", types)
	}
}

func TestDeletePublishesTombstone(t *testing.T) {
	svc, pub, hub := newTestEngine(t)
	ctx := context.Background()

	p := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeWorkflow,
		TriggerConditions: []string{"deploy release"},
		Actions:           []domain.Action{{Kind: "workflow", Value: "run checklist"}},
	})

	if err := svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, p.ID); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("expected ErrPatternNotFound after delete, got %v", err)
	}
	if len(pub.tombstones) != 1 || pub.tombstones[0] != p.ID {
		t.Errorf("expected tombstone publish for %s", p.ID)
	}

	types := hub.eventTypes()
	if types[len(types)-1] != domain.EventPatternDeleted {
		t.Error("expected pattern.deleted broadcast")
	}

	if err := svc.Delete(ctx, "missing"); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("expected ErrPatternNotFound, got %v", err)
	}
}

func TestMatchRankingAndThreshold(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	strong := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
		Confidence:        0.9,
	})
	weak := registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout", "disk full"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "free space"}},
		Confidence:        0.4,
	})

	matches := svc.Match(ctx, map[string]any{"error": "connection timeout"}, DefaultMatchThreshold, 0)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match above default threshold, got %d", len(matches))
	}
	if matches[0].Pattern.ID != strong.ID {
		t.Error("strong pattern should match")
	}
	if matches[0].Score != 0.9 {
		t.Errorf("expected score 0.9, got %f", matches[0].Score)
	}

	// Lower the threshold and the partial match shows up, ranked lower.
	matches = svc.Match(ctx, map[string]any{"error": "connection timeout"}, 0.1, 0)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches at threshold 0.1, got %d", len(matches))
	}
	if matches[1].Pattern.ID != weak.ID {
		t.Error("partial match should rank below full match")
	}

	// An explicit zero threshold means every candidate, not the default.
	matches = svc.Match(ctx, map[string]any{"error": "connection timeout"}, 0, 0)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches at threshold 0, got %d", len(matches))
	}

	// Empty context never matches and never errors.
	if got := svc.Match(ctx, nil, 0, 0); got != nil {
		t.Errorf("empty context should return nil, got %d matches", len(got))
	}
}

func TestRecommendDeduplicatesActions(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
		Confidence:        0.9,
	})
	registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"timeout"},
		Actions: []domain.Action{
			{Kind: "recovery", Value: "retry"},
			{Kind: "recovery", Value: "increase deadline"},
		},
		Confidence: 0.8,
	})

	recs := svc.Recommend(ctx, map[string]any{"error": "connection timeout"}, 0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 deduplicated recommendations, got %d", len(recs))
	}
	if recs[0].Action.Value != "retry" {
		t.Errorf("highest ranked action should come first, got %s", recs[0].Action.Value)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Action.Kind == recs[0].Action.Kind && recs[i].Action.Value == recs[0].Action.Value {
			t.Error("duplicate action survived deduplication")
		}
	}
}

func TestStatistics(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeErrorRecovery,
		TriggerConditions: []string{"connection timeout"},
		Actions:           []domain.Action{{Kind: "recovery", Value: "retry"}},
		Confidence:        0.6,
	})
	registerTestPattern(t, svc, RegisterInput{
		Type:              domain.PatternTypeToolUsage,
		TriggerConditions: []string{"search code"},
		Actions:           []domain.Action{{Kind: "tool", Value: "grep"}},
		Confidence:        0.8,
	})

	stats := svc.Statistics(ctx)
	if stats.TotalPatterns != 2 || stats.LocalPatterns != 2 || stats.MirroredPatterns != 0 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if math.Abs(stats.AvgConfidence-0.7) > 1e-9 {
		t.Errorf("expected avg confidence 0.7, got %f", stats.AvgConfidence)
	}
	if stats.PatternsByType[domain.PatternTypeErrorRecovery] != 1 {
		t.Errorf("unexpected type breakdown: %v", stats.PatternsByType)
	}
	if stats.NodeID != "node-a" {
		t.Errorf("unexpected node id %s", stats.NodeID)
	}
}

func TestObserveBatch(t *testing.T) {
	svc, _, _ := newTestEngine(t)

	results, err := svc.ObserveBatch(context.Background(), []domain.Observation{
		{Error: "connection timeout", RecoveryAction: "retry", Success: true},
		{Error: "connection timeout", RecoveryAction: "retry", Success: false},
		{Success: true},
	})
	if err != nil {
		t.Fatalf("ObserveBatch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Created || !results[1].Updated {
		t.Error("batch should create then fold")
	}
	if results[2].Created || results[2].Updated {
		t.Error("signal-free observation should be a no-op")
	}
}
