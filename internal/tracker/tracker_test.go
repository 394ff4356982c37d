package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

// fakeClock is a test-controlled monotonic clock so timers fire against
// wall-clock time.Sleep but t_ms values are deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (f *fakeClock) NowMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(ms int64) {
	f.mu.Lock()
	f.now += ms
	f.mu.Unlock()
}

type sink struct {
	mu           sync.Mutex
	turns        []schema.TurnEvent
	interactions []schema.Interaction
}

func (s *sink) onTurn(e schema.TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, e)
}

func (s *sink) onInteraction(i schema.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, i)
}

func (s *sink) snapshot() ([]schema.TurnEvent, []schema.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turnsCopy := append([]schema.TurnEvent(nil), s.turns...)
	iaCopy := append([]schema.Interaction(nil), s.interactions...)
	return turnsCopy, iaCopy
}

// S1 — no-plaintext keystroke trace: input then output then idle produces a
// single keystroke interaction with no TurnEvent.
func TestKeystrokeBurstIdle(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 30, InteractionTimeoutMs: 2000}, fc.NowMs, s.onTurn, s.onInteraction)

	tr.HandleInput([]byte("SECRET"), 6)
	fc.Advance(5)
	tr.HandleOutput(6)

	time.Sleep(60 * time.Millisecond) // > burst_idle_ms, let the real timer fire

	turns, interactions := s.snapshot()
	if len(turns) != 0 {
		t.Fatalf("expected no TurnEvent, got %d", len(turns))
	}
	if len(interactions) != 1 {
		t.Fatalf("expected exactly one Interaction, got %d", len(interactions))
	}
	ia := interactions[0]
	if ia.Kind != schema.InteractionKindKeystroke {
		t.Errorf("kind = %s, want keystroke", ia.Kind)
	}
	if ia.InputBytes != 6 || ia.OutputBytes != 6 {
		t.Errorf("inputBytes=%d outputBytes=%d, want 6/6", ia.InputBytes, ia.OutputBytes)
	}
	if ia.EndReason != schema.EndReasonBurstIdle {
		t.Errorf("endReason = %s, want burst_idle", ia.EndReason)
	}
}

// S2 — Enter triggers a TurnEvent and the turn interaction's T1/T2 reflect
// output timing relative to t0.
func TestEnterTurn(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 30, InteractionTimeoutMs: 2000}, fc.NowMs, s.onTurn, s.onInteraction)

	tr.HandleInput([]byte("hi\r"), 3)
	fc.Advance(12)
	tr.HandleOutput(10)

	time.Sleep(60 * time.Millisecond)

	turns, interactions := s.snapshot()
	if len(turns) != 1 || turns[0].Index != 1 || turns[0].Source != schema.TurnSourceEnter {
		t.Fatalf("unexpected turns: %+v", turns)
	}

	var turnIA *schema.Interaction
	for i := range interactions {
		if interactions[i].Kind == schema.InteractionKindTurn {
			turnIA = &interactions[i]
		}
	}
	if turnIA == nil {
		t.Fatalf("no turn interaction emitted: %+v", interactions)
	}
	if turnIA.TurnIndex == nil || *turnIA.TurnIndex != 1 {
		t.Errorf("turnIndex = %v, want 1", turnIA.TurnIndex)
	}
	if turnIA.T1Ms == nil || *turnIA.T1Ms != 12 {
		t.Errorf("t1Ms = %v, want 12", turnIA.T1Ms)
	}
	if turnIA.T2Ms == nil || *turnIA.T2Ms != 12 {
		t.Errorf("t2Ms = %v, want 12", turnIA.T2Ms)
	}
	if turnIA.EndReason != schema.EndReasonBurstIdle {
		t.Errorf("endReason = %s, want burst_idle", turnIA.EndReason)
	}
}

// S3 — two Enter presses before any output: first turn ends overlap, second
// ends timeout once interaction_timeout_ms elapses with no output.
func TestOverlappingTurns(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 30, InteractionTimeoutMs: 50}, fc.NowMs, s.onTurn, s.onInteraction)

	tr.HandleInput([]byte("\r"), 1)
	fc.Advance(10)
	tr.HandleInput([]byte("\r"), 1)

	time.Sleep(200 * time.Millisecond)

	turns, interactions := s.snapshot()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d: %+v", len(turns), turns)
	}

	var overlapCount, timeoutCount int
	for _, ia := range interactions {
		if ia.Kind != schema.InteractionKindTurn {
			continue
		}
		switch ia.EndReason {
		case schema.EndReasonOverlap:
			overlapCount++
		case schema.EndReasonTimeout:
			timeoutCount++
		}
	}
	if overlapCount != 1 {
		t.Errorf("overlapCount = %d, want 1", overlapCount)
	}
	if timeoutCount != 1 {
		t.Errorf("timeoutCount = %d, want 1", timeoutCount)
	}
}

// Invariant 6 — stale-timer safety: output arriving before
// interaction_timeout_ms must prevent a timeout finalize.
func TestStaleTimerSafety(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 500, InteractionTimeoutMs: 40}, fc.NowMs, s.onTurn, s.onInteraction)

	tr.HandleInput([]byte("\r"), 1)
	time.Sleep(10 * time.Millisecond)
	tr.HandleOutput(5) // arrives well before the 40ms no-output timer

	time.Sleep(100 * time.Millisecond) // let both timers' deadlines pass

	tr.End()

	_, interactions := s.snapshot()
	for _, ia := range interactions {
		if ia.Kind == schema.InteractionKindTurn && ia.EndReason == schema.EndReasonTimeout {
			t.Fatalf("turn interaction finalized with timeout despite output arriving in time: %+v", ia)
		}
	}
}

// Invariant 2 — turn indices are dense starting at 1.
func TestTurnIndicesDense(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 10, InteractionTimeoutMs: 10}, fc.NowMs, s.onTurn, s.onInteraction)

	for i := 0; i < 5; i++ {
		tr.HandleInput([]byte("\r"), 1)
		time.Sleep(20 * time.Millisecond)
	}
	tr.End()

	turns, _ := s.snapshot()
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Index != i+1 {
			t.Errorf("turns[%d].Index = %d, want %d", i, turn.Index, i+1)
		}
	}
}

// Invariant 3 — T1Ms <= T2Ms whenever both are set.
func TestLatencyOrdering(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 20, InteractionTimeoutMs: 2000}, fc.NowMs, s.onTurn, s.onInteraction)

	tr.HandleInput([]byte("\r"), 1)
	fc.Advance(5)
	tr.HandleOutput(1)
	fc.Advance(5)
	tr.HandleOutput(1)
	fc.Advance(5)
	tr.HandleOutput(1)
	time.Sleep(50 * time.Millisecond)

	_, interactions := s.snapshot()
	for _, ia := range interactions {
		if ia.T1Ms != nil && ia.T2Ms != nil && *ia.T1Ms > *ia.T2Ms {
			t.Errorf("t1Ms=%d > t2Ms=%d", *ia.T1Ms, *ia.T2Ms)
		}
	}
}

func TestIsHotkeyEscape(t *testing.T) {
	cases := []struct {
		in   []byte
		want bool
	}{
		{[]byte{0x1B, 0x74}, true},
		{[]byte{0x1B, 0x54}, true},
		{[]byte{0x1B, 0x61}, false},
		{[]byte("t"), false},
		{[]byte{0x1B}, false},
		{[]byte{0x1B, 0x74, 0x74}, false},
	}
	for _, c := range cases {
		if got := IsHotkeyEscape(c.in); got != c.want {
			t.Errorf("IsHotkeyEscape(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSessionEndFinalizesActive(t *testing.T) {
	fc := &fakeClock{}
	s := &sink{}
	tr := New(Config{BurstIdleMs: 10_000, InteractionTimeoutMs: 10_000}, fc.NowMs, s.onTurn, s.onInteraction)

	tr.HandleInput([]byte("hi"), 2)
	tr.End()

	_, interactions := s.snapshot()
	if len(interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(interactions))
	}
	if interactions[0].EndReason != schema.EndReasonSessionEnd {
		t.Errorf("endReason = %s, want session_end", interactions[0].EndReason)
	}
}
