// Package marker implements the Marker Watcher: a poller over an append-only
// markers.jsonl file written by sibling `mark` CLI invocations. Follows the
// same ticker/in-flight-flag shape as internal/sampler; the offset-tailing
// read loop itself has no counterpart in the teacher pack and is written
// directly from the contract this package implements.
package marker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

// DefaultPollIntervalMs is the watcher's default tick rate.
const DefaultPollIntervalMs = 250

// OnMarker is invoked once per parsed marker line with a finite,
// non-negative t_ms.
type OnMarker func(schema.MarkerEvent)

type rawLine struct {
	TMs   *int64  `json:"tMs"`
	TIso  string  `json:"tIso"`
	Label string  `json:"label"`
	LabelSha256 string `json:"labelSha256"`
}

// Watcher tails path, maintaining a byte-offset cursor across ticks.
type Watcher struct {
	path           string
	pollIntervalMs int64
	startEpochMs   int64
	onMarker       OnMarker

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	offset   int64
	inFlight bool
}

// New constructs a Watcher over path. startEpochMs is the session's
// wall-clock start (clock.Clock.StartedAtMsEpoch()), used to convert a
// marker's tIso into a session-relative t_ms when tMs is absent.
func New(path string, pollIntervalMs int64, startEpochMs int64, onMarker OnMarker) *Watcher {
	if pollIntervalMs <= 0 {
		pollIntervalMs = DefaultPollIntervalMs
	}
	return &Watcher{
		path:           path,
		pollIntervalMs: pollIntervalMs,
		startEpochMs:   startEpochMs,
		onMarker:       onMarker,
	}
}

// Start launches the polling loop on its own goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop cancels the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(time.Duration(w.pollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return
	}
	w.inFlight = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	w.readDelta()
}

// readDelta swallows every I/O error: the file may not exist yet, or a
// sibling write may race the stat. Either way the next tick retries.
func (w *Watcher) readDelta() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	offset := w.offset
	w.mu.Unlock()

	size := info.Size()
	if size <= offset {
		return
	}

	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, size-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return
	}
	buf = buf[:n]

	w.mu.Lock()
	w.offset += int64(n)
	w.mu.Unlock()

	w.emitLines(buf)
}

func (w *Watcher) emitLines(buf []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}

		tMs, ok := w.deriveTMs(raw)
		if !ok {
			continue
		}

		w.onMarker(schema.MarkerEvent{
			TMs:         tMs,
			Label:       raw.Label,
			LabelSha256: raw.LabelSha256,
		})
	}
}

func (w *Watcher) deriveTMs(raw rawLine) (int64, bool) {
	if raw.TMs != nil {
		if *raw.TMs < 0 {
			return 0, false
		}
		return *raw.TMs, true
	}
	if raw.TIso == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw.TIso)
	if err != nil {
		return 0, false
	}
	tMs := t.UnixMilli() - w.startEpochMs
	if tMs < 0 {
		return 0, false
	}
	return tMs, true
}
