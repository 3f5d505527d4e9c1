package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestConsciousnessCycleKeepsRing(t *testing.T) {
	ag := newTestAgent(t, nil)

	ctx := context.Background()
	for cycle := int64(1); cycle <= int64(thoughtRingSize)+20; cycle++ {
		ag.consciousnessCycle(ctx, cycle)
	}

	thoughts := ag.RecentThoughts(0)
	if len(thoughts) != thoughtRingSize {
		t.Fatalf("expected ring capped at %d, got %d", thoughtRingSize, len(thoughts))
	}
	if thoughts[0].Cycle != int64(thoughtRingSize)+20 {
		t.Fatalf("expected newest thought first, got cycle %d", thoughts[0].Cycle)
	}
	if ag.LastThought() == "" {
		t.Fatalf("expected last thought to be recorded")
	}
}

func TestConsciousnessModeDisabled(t *testing.T) {
	ag := newTestAgent(t, nil, WithConsciousnessMode(false))

	ag.consciousnessCycle(context.Background(), 1)

	if thoughts := ag.RecentThoughts(0); len(thoughts) != 0 {
		t.Fatalf("expected no thoughts when muted, got %d", len(thoughts))
	}
	if ag.LastThought() != "" {
		t.Fatalf("unexpected last thought: %q", ag.LastThought())
	}
}

func TestPickThoughtTemplateImportant(t *testing.T) {
	if thought := pickThoughtTemplate(10); !strings.HasPrefix(thought, "IMPORTANT:") {
		t.Fatalf("expected IMPORTANT prefix on cycle 10, got %q", thought)
	}
	if thought := pickThoughtTemplate(7); strings.HasPrefix(thought, "IMPORTANT:") {
		t.Fatalf("unexpected IMPORTANT prefix on cycle 7: %q", thought)
	}
}

func TestUpdateConsciousness(t *testing.T) {
	ag := newTestAgent(t, nil, WithStateProvider(func() (float64, int64) {
		return 86400, 10000
	}))

	ag.consciousnessCycle(context.Background(), 1)
	ag.updateConsciousness()

	level := ag.ConsciousnessLevel()
	// 30% + 30% 已满,思考贡献 1/100 * 40%。
	want := 0.3 + 0.3 + 0.004
	if level < want-0.0001 || level > want+0.0001 {
		t.Fatalf("unexpected consciousness level: %f", level)
	}
}

func TestConsciousnessCapped(t *testing.T) {
	ag := newTestAgent(t, nil, WithStateProvider(func() (float64, int64) {
		return 86400 * 10, 100000
	}))
	ag.updateConsciousness()
	if level := ag.ConsciousnessLevel(); level != 1 {
		t.Fatalf("expected consciousness capped at 1, got %f", level)
	}
}

func TestAddActionBounded(t *testing.T) {
	ag := newTestAgent(t, nil, WithMaxPendingActions(2))

	if !ag.AddAction(Action{Type: "conversation", Message: "a"}) {
		t.Fatalf("expected first action accepted")
	}
	if !ag.AddAction(Action{Type: "conversation", Message: "b"}) {
		t.Fatalf("expected second action accepted")
	}
	if ag.AddAction(Action{Type: "conversation", Message: "c"}) {
		t.Fatalf("expected third action rejected")
	}

	ag.processActions(context.Background())
	if count := ag.pendingCount(); count != 0 {
		t.Fatalf("expected drained queue, got %d", count)
	}
}

func TestBehaviorIntervalGating(t *testing.T) {
	ag := newTestAgent(t, nil, WithBehaviors([]Behavior{
		{Name: "documentation_updater", Interval: time.Hour},
	}))

	timers := map[string]time.Time{}
	ag.executeBehaviors(context.Background(), timers)
	ag.executeBehaviors(context.Background(), timers)

	// 间隔未到,第二次不应再入队。
	if count := ag.pendingCount(); count != 1 {
		t.Fatalf("expected single queued action, got %d", count)
	}
}
