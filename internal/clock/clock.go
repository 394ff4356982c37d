// Package clock provides the single monotonic time source shared by every
// profiler component. All relative timestamps in a session (TurnEvent.TMs,
// Interaction.T0Ms, ProcessSample.TMs, ...) come from the same Clock so that
// ordering and deltas stay consistent regardless of wall-clock adjustments.
package clock

import "time"

// Clock anchors a monotonic start tick plus the wall-clock epoch at
// construction. NowMs returns milliseconds elapsed since construction.
type Clock struct {
	start        time.Time
	startedEpoch time.Time
}

// New creates a Clock anchored at the current instant.
func New() *Clock {
	now := time.Now()
	return &Clock{start: now, startedEpoch: now}
}

// NowMs returns the number of milliseconds since the clock was created.
func (c *Clock) NowMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// StartedAtMsEpoch returns the wall-clock epoch (Unix ms) the clock was
// created at, used to anchor relative t_ms values for external correlation.
func (c *Clock) StartedAtMsEpoch() int64 {
	return c.startedEpoch.UnixMilli()
}

// StartedAtIso returns the wall-clock start time as an ISO-8601 string.
func (c *Clock) StartedAtIso() string {
	return c.startedEpoch.UTC().Format(time.RFC3339)
}

// EpochForMs converts a session-relative t_ms back into a wall-clock Unix-ms
// epoch, used by the external-log correlator to compare against log record
// timestamps.
func (c *Clock) EpochForMs(tMs int64) int64 {
	return c.StartedAtMsEpoch() + tMs
}
