// Package tracker implements the Interaction Tracker: a pure, timer-driven
// state machine that derives turn boundaries and per-turn/per-keystroke
// latency windows from byte counts alone. It never stores or inspects
// plaintext beyond testing for a line terminator and the hotkey escape
// sequence (spec §4.1).
package tracker

import (
	"bytes"
	"sync"
	"time"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

// escByte and the two recognized hotkey bytes (ESC 't' / ESC 'T'),
// spec §6 "Hotkey wire format".
const (
	escByte = 0x1B
	tLower  = 0x74
	tUpper  = 0x54
)

// IsHotkeyEscape reports whether chunk is exactly the two-byte alt+t escape
// sequence the Session Runtime should swallow rather than forward to the
// child and rather than feed to HandleInput.
func IsHotkeyEscape(chunk []byte) bool {
	return len(chunk) == 2 && chunk[0] == escByte && (chunk[1] == tLower || chunk[1] == tUpper)
}

// Config holds the Tracker's tunable timers (spec §6 CLI flags).
type Config struct {
	BurstIdleMs          int64
	InteractionTimeoutMs int64
}

// OnTurn is invoked synchronously, before any interaction emission the same
// turn triggers (spec §4.1 ordering guarantee).
type OnTurn func(schema.TurnEvent)

// OnInteraction is invoked once per finalized Interaction.
type OnInteraction func(schema.Interaction)

// activeInteraction is the mutable state for one in-flight keystroke or
// turn window. generation guards against stale timer fires (spec §9):
// a timer captures the generation it was scheduled under and no-ops if the
// interaction has since been finalized or reused.
type activeInteraction struct {
	id         int64
	kind       schema.InteractionKind
	t0Ms       int64
	turnIndex  *int
	firstOutputAtMs *int64
	lastOutputAtMs  *int64
	inputBytes  int64
	outputBytes int64
	idleTimer     *time.Timer
	noOutputTimer *time.Timer
	idleGen     int // bumped each time idleTimer is (re)scheduled; guards stale fires
	finalized   bool
}

// Tracker is the Interaction Tracker state machine. All exported methods are
// safe for concurrent use; a single mutex serializes mutation exactly as
// spec §5 requires ("one cooperative thread owns SessionData"-equivalent
// discipline applied to the Tracker's own state).
type Tracker struct {
	mu sync.Mutex

	cfg Config

	onTurn        OnTurn
	onInteraction OnInteraction
	clockFn       func() int64

	turnIndex int
	nextID    int64

	keystroke *activeInteraction
	turn      *activeInteraction
}

// New creates a Tracker. onTurn and onInteraction must be non-nil. nowMs
// sources the shared session clock (clock.Clock.NowMs) so the Tracker's
// timestamps line up with everything else SessionData records.
func New(cfg Config, nowMs func() int64, onTurn OnTurn, onInteraction OnInteraction) *Tracker {
	return &Tracker{
		cfg:           cfg,
		onTurn:        onTurn,
		onInteraction: onInteraction,
		clockFn:       nowMs,
	}
}

// HandleInput processes an input chunk of byteLen bytes. data contains the
// actual bytes only so the Tracker can test for a line terminator; it is
// never retained or otherwise inspected.
func (t *Tracker) HandleInput(data []byte, byteLen int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowMs()
	hasTerminator := bytes.ContainsAny(data, "\r\n")

	if t.keystroke == nil {
		t.keystroke = t.startLocked(schema.InteractionKindKeystroke, now, nil)
	}
	t.keystroke.inputBytes += byteLen

	if hasTerminator {
		newTurn := t.beginTurnLocked(schema.TurnSourceEnter, now)
		newTurn.inputBytes += byteLen
	} else if t.turn != nil {
		t.turn.inputBytes += byteLen
	}
}

// HandleOutput processes an output chunk of byteLen bytes arriving from the
// child, fanning observe-output into every currently active interaction.
func (t *Tracker) HandleOutput(byteLen int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowMs()
	if t.keystroke != nil {
		t.observeOutputLocked(t.keystroke, now, byteLen)
	}
	if t.turn != nil {
		t.observeOutputLocked(t.turn, now, byteLen)
	}
}

// MarkTurn begins a turn from a non-enter source (currently only "hotkey").
// The Session Runtime calls this after swallowing the hotkey escape chunk
// rather than routing it through HandleInput.
func (t *Tracker) MarkTurn(source schema.TurnSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beginTurnLocked(source, t.nowMs())
}

// End finalizes any still-active interactions with reason session_end. Call
// this exactly once, at Session Runtime finalize step 1.
func (t *Tracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowMs()
	if t.keystroke != nil {
		t.finalizeLocked(t.keystroke, now, schema.EndReasonSessionEnd)
	}
	if t.turn != nil {
		t.finalizeLocked(t.turn, now, schema.EndReasonSessionEnd)
	}
}

func (t *Tracker) nowMs() int64 {
	if t.clockFn != nil {
		return t.clockFn()
	}
	return 0
}

func (t *Tracker) beginTurnLocked(source schema.TurnSource, now int64) *activeInteraction {
	t.turnIndex++
	index := t.turnIndex
	t.onTurn(schema.TurnEvent{Index: index, TMs: now, Source: source})

	if t.turn != nil {
		t.finalizeLocked(t.turn, now, schema.EndReasonOverlap)
	}

	idx := index
	return t.startLocked(schema.InteractionKindTurn, now, &idx)
}

func (t *Tracker) startLocked(kind schema.InteractionKind, now int64, turnIndex *int) *activeInteraction {
	t.nextID++
	ia := &activeInteraction{
		id:        t.nextID,
		kind:      kind,
		t0Ms:      now,
		turnIndex: turnIndex,
	}

	if kind == schema.InteractionKindTurn {
		t.turn = ia
		ia.noOutputTimer = time.AfterFunc(time.Duration(t.cfg.InteractionTimeoutMs)*time.Millisecond, func() {
			t.onNoOutputTimeout(ia)
		})
	} else {
		t.keystroke = ia
	}
	return ia
}

func (t *Tracker) observeOutputLocked(ia *activeInteraction, now int64, byteLen int64) {
	if ia.firstOutputAtMs == nil {
		v := now
		ia.firstOutputAtMs = &v
		if ia.noOutputTimer != nil {
			ia.noOutputTimer.Stop()
			ia.noOutputTimer = nil
		}
	}
	v := now
	ia.lastOutputAtMs = &v
	ia.outputBytes += byteLen

	if ia.idleTimer != nil {
		ia.idleTimer.Stop()
	}
	ia.idleGen++
	gen := ia.idleGen
	ia.idleTimer = time.AfterFunc(time.Duration(t.cfg.BurstIdleMs)*time.Millisecond, func() {
		t.onIdleTimeout(ia, gen)
	})
}

func (t *Tracker) onIdleTimeout(ia *activeInteraction, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ia.finalized || ia.idleGen != gen {
		// Stale fire: either already finalized, or superseded by a later
		// output event that rescheduled the idle timer.
		return
	}
	t.finalizeLocked(ia, t.nowMs(), schema.EndReasonBurstIdle)
}

func (t *Tracker) onNoOutputTimeout(ia *activeInteraction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ia.finalized {
		return
	}
	if ia.firstOutputAtMs != nil {
		// Stale: output already arrived since this timer was scheduled.
		return
	}
	t.finalizeLocked(ia, t.nowMs(), schema.EndReasonTimeout)
}

func (t *Tracker) finalizeLocked(ia *activeInteraction, now int64, reason schema.EndReason) {
	if ia.finalized {
		return
	}
	ia.finalized = true

	if ia.idleTimer != nil {
		ia.idleTimer.Stop()
	}
	if ia.noOutputTimer != nil {
		ia.noOutputTimer.Stop()
	}

	if t.keystroke == ia {
		t.keystroke = nil
	}
	if t.turn == ia {
		t.turn = nil
	}

	out := schema.Interaction{
		ID:          ia.id,
		Kind:        ia.kind,
		T0Ms:        ia.t0Ms,
		InputBytes:  ia.inputBytes,
		OutputBytes: ia.outputBytes,
		TurnIndex:   ia.turnIndex,
		EndReason:   reason,
	}
	if ia.firstOutputAtMs != nil {
		v := *ia.firstOutputAtMs - ia.t0Ms
		out.T1Ms = &v
	}
	if ia.lastOutputAtMs != nil {
		v := *ia.lastOutputAtMs - ia.t0Ms
		out.T2Ms = &v
	}

	t.onInteraction(out)
}
