// Package sampler implements the Process Sampler: a ticker-driven loop that
// probes one PID at a fixed interval and emits ProcessSample records. Grounded
// on melisai's internal/collector two-point sampling idiom, adapted from
// system-wide collection to a single-PID, non-blocking ticker (the collector
// interval itself stalls the collecting goroutine with
// time.After/ctx.Done(); the sampler cannot stall the Session Runtime, so it
// runs on its own goroutine behind a ticker instead).
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/probe"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

// OnSample is invoked once per successful or failed probe tick.
type OnSample func(schema.ProcessSample)

// OnExit is invoked exactly once, when a probe failure (most commonly: the
// child has exited) stops the sampler.
type OnExit func()

// Sampler periodically probes a single PID. Start launches its own
// goroutine; Stop cancels it and blocks until the goroutine has exited.
type Sampler struct {
	pid          int
	intervalMs   int64
	basic        probe.BasicProbe
	extras       probe.ExtrasProbe // nil if the platform probe doesn't support it
	nowMs        func() int64
	onSample     OnSample
	onExit       OnExit

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	inFlight bool
	stopped  bool
}

// New constructs a Sampler. extras may be nil. basic must be non-nil.
func New(pid int, intervalMs int64, basic probe.BasicProbe, extras probe.ExtrasProbe, nowMs func() int64, onSample OnSample, onExit OnExit) *Sampler {
	return &Sampler{
		pid:        pid,
		intervalMs: intervalMs,
		basic:      basic,
		extras:     extras,
		nowMs:      nowMs,
		onSample:   onSample,
		onExit:     onExit,
	}
}

// Start launches the sampling loop on its own goroutine.
func (s *Sampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Stop cancels the sampling loop and waits for it to exit. Safe to call
// multiple times and safe to call even if Start was never called.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.tickShouldSkip() {
				// A sample is still in flight; this tick is dropped rather
				// than queued, per the "ticks never overlap" contract.
				continue
			}
			if s.tick() {
				s.fireExit()
				return
			}
		}
	}
}

func (s *Sampler) tickShouldSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight || s.stopped {
		return true
	}
	s.inFlight = true
	return false
}

// tick runs one probe and returns true if the probe failed and the sampler
// should stop.
func (s *Sampler) tick() bool {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	now := s.nowMs()
	sample := schema.ProcessSample{TMs: now, PID: s.pid}

	basic, err := s.basic.SampleBasic(s.pid)
	if err != nil {
		sample.Error = err.Error()
		s.onSample(sample)
		return true
	}
	rss := basic.RSSBytes
	sample.RSSBytes = &rss
	sample.CPUPercent = basic.CPUPercent

	if s.extras != nil {
		if extras, err := s.extras.SampleExtras(s.pid); err == nil {
			minor, major := extras.MinorFaults, extras.MajorFaults
			voluntary, involuntary := extras.VoluntaryCtxSw, extras.InvoluntaryCtxSw
			fds, threads := extras.OpenFDs, extras.Threads
			sample.MinorFaults = &minor
			sample.MajorFaults = &major
			sample.VoluntaryCtxSw = &voluntary
			sample.InvoluntaryCtxSw = &involuntary
			sample.OpenFDs = &fds
			sample.Threads = &threads
		}
	}

	s.onSample(sample)
	return false
}

func (s *Sampler) fireExit() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if !already {
		s.onExit()
	}
}
