package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("Connection TIMEOUT, retry-with-backoff (attempt #2)!")
	want := []string{"connection", "timeout", "retry", "with", "backoff", "attempt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}

	if got := Tokenize("a b c"); len(got) != 0 {
		t.Errorf("single-rune tokens should be dropped, got %v", got)
	}
	if got := Tokenize(""); len(got) != 0 {
		t.Errorf("empty input should yield no tokens, got %v", got)
	}
}

func TestFlattenContext(t *testing.T) {
	tokens := FlattenContext(map[string]any{
		"error": "connection timeout",
		"nested": map[string]any{
			"tool": "grep",
		},
		"tags":    []any{"urgent", "retry"},
		"attempt": 42,
		"ignored": nil,
	})

	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	for _, want := range []string{"connection", "timeout", "grep", "urgent", "retry", "42"} {
		if _, ok := set[want]; !ok {
			t.Errorf("missing token %q in %v", want, tokens)
		}
	}

	// Keys never participate in matching.
	if _, ok := set["error"]; ok {
		t.Error("map key leaked into tokens")
	}

	if got := FlattenContext(nil); len(got) != 0 {
		t.Errorf("nil context should yield no tokens, got %v", got)
	}
}

func TestPatternNewer(t *testing.T) {
	cur := &Pattern{Version: 3, SourceNode: "node-b"}

	if (&Pattern{Version: 2, SourceNode: "node-z"}).Newer(cur) {
		t.Error("lower version should never win")
	}
	if !(&Pattern{Version: 4, SourceNode: "node-a"}).Newer(cur) {
		t.Error("higher version should always win")
	}
	if (&Pattern{Version: 3, SourceNode: "node-a"}).Newer(cur) {
		t.Error("equal version with lower source node should lose")
	}
	if !(&Pattern{Version: 3, SourceNode: "node-c"}).Newer(cur) {
		t.Error("equal version with greater source node should win")
	}
	if (&Pattern{Version: 3, SourceNode: "node-b"}).Newer(cur) {
		t.Error("identical version and source should not replace")
	}
}

func TestRecomputeDerived(t *testing.T) {
	p := &Pattern{UsageCount: 4, SuccessCount: 3, TotalExecutionTime: 4.0}
	p.RecomputeDerived()

	if p.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %f, want 0.75", p.SuccessRate)
	}
	if p.AvgExecutionTime != 1.0 {
		t.Errorf("AvgExecutionTime = %f, want 1.0", p.AvgExecutionTime)
	}

	zero := &Pattern{}
	zero.RecomputeDerived()
	if zero.SuccessRate != 0 || zero.AvgExecutionTime != 0 {
		t.Error("derived fields should be 0 with no usage")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	p := &Pattern{
		ID:                "p1",
		TriggerConditions: []string{"a b"},
		Actions: []Action{
			{Kind: "tool", Value: "grep", Metadata: map[string]any{"k": "v"}},
		},
		LastUsedAt: &now,
	}

	cp := p.Clone()
	cp.TriggerConditions[0] = "mutated"
	cp.Actions[0].Metadata["k"] = "mutated"
	*cp.LastUsedAt = now.Add(time.Hour)

	if p.TriggerConditions[0] != "a b" {
		t.Error("trigger conditions shared between clone and original")
	}
	if p.Actions[0].Metadata["k"] != "v" {
		t.Error("action metadata shared between clone and original")
	}
	if !p.LastUsedAt.Equal(now) {
		t.Error("last used timestamp shared between clone and original")
	}
}
