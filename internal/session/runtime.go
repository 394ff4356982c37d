// Package session implements the Session Runtime: the orchestrator that
// opens the PTY, pipes the host terminal to the child and back, fans
// byte-count events out to the Interaction Tracker, installs the Process
// Sampler and Marker Watcher, owns the single in-memory SessionData, and
// drives the strict, idempotent finalize sequence on every exit path.
// Grounded on melisai's internal/orchestrator.Orchestrator.Run: context
// derivation before signal handling, a goroutine bridging os/signal back
// into cancellation, and ordered teardown — generalized here from "N
// parallel collectors converge on one result map" to "N auxiliary sources
// converge on one SessionData, torn down in a fixed order".
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/calibration"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/clock"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/correlate"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/environment"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/extlog"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/marker"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/overlay"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/probe"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/ptyproxy"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/report"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/sampler"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/tracker"
)

// Runtime is the Session Runtime. One Runtime drives exactly one session.
type Runtime struct {
	cfg    Config
	log    zerolog.Logger
	clock  *clock.Clock
	data   *schema.SessionData
	dataMu sync.Mutex

	proxy    *ptyproxy.Proxy
	tracker  *tracker.Tracker
	samp     *sampler.Sampler
	watcher  *marker.Watcher
	extTrack *extlog.Tracker
	ovl      *overlay.Overlay

	pointerPath string
	markersPath string

	finalizeOnce sync.Once

	durationTimer *time.Timer
	sigCh         chan os.Signal

	rawModeOn bool
}

// New constructs a Runtime from validated config. It does not spawn
// anything; call Run to drive the session to completion.
func New(cfg Config, log zerolog.Logger) *Runtime {
	return &Runtime{cfg: cfg, log: log}
}

// Run executes the full session lifecycle: setup, wiring, waiting for the
// child to exit (or an external terminal condition), and finalize. From the
// spawn attempt onward it runs finalize before returning on every path; an
// error in the setup steps before that (output directory, markers file,
// active-session pointer, settings overlay) is returned without running
// finalize. The returned error
// is non-nil only for spawn/setup failures the caller should exit non-zero
// for; in-session degradations are recorded as warnings in data.json, not
// returned here.
func (r *Runtime) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	r.clock = clock.New()
	sessionID := uuid.NewString()

	cfgBlock := schema.Config{
		OutputDir:            r.cfg.OutputDir,
		TurnHotkey:           r.cfg.turnHotkey(),
		DurationMs:           r.cfg.DurationMs,
		BurstIdleMs:          r.cfg.BurstIdleMs,
		SampleIntervalMs:     r.cfg.SampleIntervalMs,
		InteractionTimeoutMs: r.cfg.InteractionTimeoutMs,
		DisableMCPs:          r.cfg.DisableMCPs,
		CorrelateJSONL:       r.cfg.CorrelateJSONL,
		UnsafeStorePaths:     r.cfg.UnsafeStorePaths,
		UnsafeStoreCommand:   r.cfg.UnsafeStoreCommand,
		UnsafeStoreErrors:    r.cfg.UnsafeStoreErrors,
	}
	if r.cfg.UnsafeStorePaths {
		cfgBlock.Cwd = r.cfg.Cwd
	} else {
		cfgBlock.CwdSha256 = sha256Hex(r.cfg.Cwd)
	}
	if r.cfg.UnsafeStoreCommand {
		cfgBlock.Command = r.cfg.Command
	} else {
		cfgBlock.CommandSha256 = sha256Hex(strings.Join(r.cfg.Command, "\x00"))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	r.data = schema.New(sessionID, cfgBlock, now, r.clock.StartedAtIso())
	r.data.Environment = environment.Discover()

	cal := calibration.New()

	return r.runInner(ctx, cal)
}

// runInner holds the rest of Run's setup and the child wait loop; split out
// only so Run's signature stays uncluttered by the calibrator handle.
func (r *Runtime) runInner(ctx context.Context, cal *calibration.Calibrator) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun() // unblocks the signal-watching goroutine below on any return path

	r.markersPath = filepath.Join(r.cfg.OutputDir, "markers.jsonl")
	if err := ensureEmptyFile(r.markersPath); err != nil {
		return fmt.Errorf("create markers file: %w", err)
	}

	stateDir := r.cfg.StateDir
	if stateDir == "" {
		sd, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}
		stateDir = sd
	}
	pointerPath, err := writePointer(stateDir, PointerDoc{
		OutputDir:        r.cfg.OutputDir,
		MarkersPath:      r.markersPath,
		StartedAtIso:     r.clock.StartedAtIso(),
		StartedAtMsEpoch: r.clock.StartedAtMsEpoch(),
	})
	if err != nil {
		return fmt.Errorf("write active-session pointer: %w", err)
	}
	r.pointerPath = pointerPath

	realHome, _ := os.UserHomeDir()
	ovl, err := overlay.New(r.cfg.DisableMCPs, realHome)
	if err != nil {
		return fmt.Errorf("stage settings overlay: %w", err)
	}
	r.ovl = ovl

	r.tracker = tracker.New(
		tracker.Config{BurstIdleMs: r.cfg.BurstIdleMs, InteractionTimeoutMs: r.cfg.InteractionTimeoutMs},
		r.clock.NowMs,
		r.onTurn,
		r.onInteraction,
	)

	if looksLikeAssistantBinary(r.cfg.Command) {
		r.extTrack = extlog.New(extlog.Config{
			OverridePath:          r.cfg.JSONLPath,
			Cwd:                   r.cfg.Cwd,
			AllowReadForSelection: true,
			StartedAtMsEpoch:      r.clock.StartedAtMsEpoch(),
		})
	}

	proxy, err := ptyproxy.Start(r.cfg.Command, r.ovl.Env())
	if err != nil {
		spawnErr := fmt.Errorf("spawn child: %w", err)
		r.finalize(cal) // clean up the pointer/overlay already staged above
		return spawnErr
	}
	r.proxy = proxy

	if err := proxy.EnableRawMode(); err != nil {
		r.log.Warn().Err(err).Msg("could not enable raw terminal mode")
	} else {
		r.rawModeOn = true
	}
	proxy.WatchResize()

	basic, extras := probe.NewPlatformProbe()
	r.samp = sampler.New(proxy.PID(), r.cfg.SampleIntervalMs, basic, extras, r.clock.NowMs, r.onSample, r.onChildExit)
	samplerCtx, samplerCancel := context.WithCancel(runCtx)
	defer samplerCancel()
	r.samp.Start(samplerCtx)

	r.watcher = marker.New(r.markersPath, marker.DefaultPollIntervalMs, r.clock.StartedAtMsEpoch(), r.onMarker)
	watcherCtx, watcherCancel := context.WithCancel(runCtx)
	defer watcherCancel()
	r.watcher.Start(watcherCtx)

	if r.cfg.DurationMs != nil {
		r.durationTimer = time.AfterFunc(time.Duration(*r.cfg.DurationMs)*time.Millisecond, func() {
			r.addWarning("session duration limit reached; killing child")
			_ = proxy.Kill()
		})
	}

	r.sigCh = make(chan os.Signal, 1)
	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM)
	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		select {
		case sig := <-r.sigCh:
			r.addWarning(fmt.Sprintf("received %v; killing child", sig))
			_ = proxy.Kill()
		case <-runCtx.Done():
		}
	}()

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		if err := proxy.CopyOutput(func(n int) {
			r.tracker.HandleOutput(int64(n))
		}); err != nil {
			r.log.Debug().Err(err).Msg("child output stream ended")
		}
	}()

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		if err := proxy.CopyInput(func(chunk []byte) bool {
			if r.cfg.turnHotkey() != "off" && tracker.IsHotkeyEscape(chunk) {
				r.tracker.MarkTurn(schema.TurnSourceHotkey)
				return true
			}
			r.tracker.HandleInput(chunk, int64(len(chunk)))
			return false
		}); err != nil {
			r.log.Debug().Err(err).Msg("host input stream ended")
		}
	}()

	waitErr := proxy.Wait()
	if waitErr != nil {
		if exitErr, ok := asExitError(waitErr); ok && exitErr != 0 {
			r.addWarning(fmt.Sprintf("child exited with status %d", exitErr))
		}
	}

	r.finalize(cal)
	return nil
}

// finalize drives the strict, idempotent teardown sequence. Safe to call
// more than once; only the first call does anything.
func (r *Runtime) finalize(cal *calibration.Calibrator) {
	r.finalizeOnce.Do(func() {
		r.tracker.End() // (1)

		if r.samp != nil {
			r.samp.Stop() // (2)
		}
		if r.watcher != nil {
			r.watcher.Stop() // (3)
		}
		// The watcher emits in poll order; persist markers sorted by t_ms.
		r.dataMu.Lock()
		sort.SliceStable(r.data.Markers, func(i, j int) bool {
			return r.data.Markers[i].TMs < r.data.Markers[j].TMs
		})
		r.dataMu.Unlock()

		if r.proxy != nil {
			if r.rawModeOn {
				if err := r.proxy.DisableRawMode(); err != nil { // (4)
					r.addWarning("failed to restore terminal mode")
				}
			}
			r.proxy.StopResize() // (5)
		}
		if r.sigCh != nil {
			// (5) stops future delivery; the host-input pump itself is left
			// blocked on its current stdin Read until the process exits —
			// there is no portable way to cancel a blocking stdin read.
			signal.Stop(r.sigCh)
		}
		if r.durationTimer != nil {
			r.durationTimer.Stop()
		}

		if r.proxy != nil {
			_ = r.proxy.Kill()  // (6)
			_ = r.proxy.Close() // best-effort PTY cleanup alongside the kill step
		}

		if err := deletePointer(r.pointerPath); err != nil { // (7)
			r.addWarning("failed to remove active-session pointer")
		}

		if r.ovl != nil {
			if err := r.ovl.Release(); err != nil { // (8)
				r.addWarning("failed to release settings overlay")
			}
		}

		r.runCorrelation() // (9)

		r.data.EndedAtIso = time.Now().UTC().Format(time.RFC3339) // (10)

		if cal != nil {
			r.data.Calibration = cal.Finish()
		}

		reportOK := false
		reportPath := filepath.Join(r.cfg.OutputDir, "report.html")
		htmlOut, err := report.Render(r.data) // (11)
		if err != nil {
			r.addWarning("report rendering failed")
		} else {
			reportOK = true
		}

		dataPath := filepath.Join(r.cfg.OutputDir, "data.json")
		if err := writeDataJSON(dataPath, r.data); err != nil { // (12)
			r.log.Error().Err(err).Msg("failed to write data.json")
		}

		if reportOK { // (13)
			if err := os.WriteFile(reportPath, htmlOut, 0o644); err != nil {
				r.log.Error().Err(err).Msg("failed to write report.html")
			}
		}
	})
}

func (r *Runtime) runCorrelation() {
	if r.extTrack == nil || !r.cfg.CorrelateJSONL {
		return
	}
	path := r.extTrack.SelectedPath()
	if path == "" {
		return
	}
	r.dataMu.Lock()
	turns := append([]schema.TurnEvent{}, r.data.Turns...)
	r.dataMu.Unlock()

	result := correlate.Run(path, r.clock.StartedAtMsEpoch(), time.Now().UnixMilli(), turns)
	r.dataMu.Lock()
	r.data.JSONL.Correlation = &result
	r.dataMu.Unlock()
}

func (r *Runtime) onTurn(ev schema.TurnEvent) {
	r.dataMu.Lock()
	r.data.Turns = append(r.data.Turns, ev)
	r.dataMu.Unlock()

	if r.extTrack != nil {
		r.extTrack.Ensure()
		if sample, ok := r.extTrack.Sample(ev.Index, ev.TMs); ok {
			r.dataMu.Lock()
			r.data.JSONL.Sizes = append(r.data.JSONL.Sizes, sample)
			if r.cfg.UnsafeStorePaths {
				r.data.JSONL.SelectedPath = r.extTrack.SelectedPath()
			}
			r.data.JSONL.SelectedPathSha256 = r.extTrack.SelectedPathSha256()
			r.data.JSONL.SelectionMode = r.extTrack.SelectionMode()
			r.dataMu.Unlock()
		}
	}
}

func (r *Runtime) onInteraction(ia schema.Interaction) {
	r.dataMu.Lock()
	r.data.Interactions = append(r.data.Interactions, ia)
	r.dataMu.Unlock()
}

func (r *Runtime) onMarker(ev schema.MarkerEvent) {
	r.dataMu.Lock()
	r.data.Markers = append(r.data.Markers, ev)
	r.dataMu.Unlock()
}

func (r *Runtime) onSample(s schema.ProcessSample) {
	r.dataMu.Lock()
	r.data.Samples = append(r.data.Samples, s)
	r.dataMu.Unlock()
	if s.Error != "" {
		r.addWarning(fmt.Sprintf("process sample failed: %s", s.Error))
	}
}

func (r *Runtime) onChildExit() {
	// The child has exited; the sampler stops itself. proxy.Wait() in
	// runInner will observe the exit and drive finalize.
}

// addWarning appends a warning. Plaintext is kept only when
// --unsafe-store-errors is set; otherwise the message is reduced to a short
// class/code form per the propagation policy.
func (r *Runtime) addWarning(msg string) {
	if !r.cfg.UnsafeStoreErrors {
		msg = classifyProbeError(msg)
	}
	r.dataMu.Lock()
	r.data.Warnings = append(r.data.Warnings, msg)
	r.dataMu.Unlock()
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func looksLikeAssistantBinary(command []string) bool {
	if len(command) == 0 {
		return false
	}
	base := filepath.Base(command[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base == "claude"
}

func ensureEmptyFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeDataJSON(path string, data *schema.SessionData) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// classifyProbeError reduces a plaintext error message to a short class/code
// form, per the propagation policy: plaintext only appears in warnings when
// --unsafe-store-errors is set.
func classifyProbeError(msg string) string {
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not exist"):
		return "error:not_found"
	case strings.Contains(msg, "permission"):
		return "error:permission_denied"
	case strings.Contains(msg, "exited with status"):
		return "warning:child_nonzero_exit"
	case strings.Contains(msg, "duration limit"):
		return "warning:duration_limit_reached"
	case strings.Contains(msg, "received signal"), strings.Contains(msg, "received "):
		return "warning:interrupted"
	default:
		return "error:unknown"
	}
}
