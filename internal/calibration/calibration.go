// Package calibration snapshots the profiler's own resource overhead across
// a session, the way melisai's internal/observer/overhead.go snapshots
// sysdiag's own overhead relative to the collectors it runs. Here there is a
// single subject (the profiler process itself, not a fleet of collectors),
// so the before/after delta collapses to one PID.
package calibration

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

type snapshot struct {
	utime, stime           uint64
	rss                    int64
	voluntaryCtxSw, nonvol int64
}

// Calibrator captures a before/after delta of the calling process's own
// /proc/self footprint. Best-effort: on error every field stays zero rather
// than failing the session (spec's calibration block is diagnostic only).
type Calibrator struct {
	pid    int
	before snapshot
}

// New starts a Calibrator anchored at the current process's PID, taking the
// "before" snapshot immediately.
func New() *Calibrator {
	pid := os.Getpid()
	return &Calibrator{pid: pid, before: readSnapshot(pid)}
}

// Finish reads the "after" snapshot and returns the delta as schema.Calibration.
func (c *Calibrator) Finish() schema.Calibration {
	after := readSnapshot(c.pid)
	return schema.Calibration{
		SelfPID:         c.pid,
		CPUUserMs:       ticksToMs(after.utime - c.before.utime),
		CPUSystemMs:     ticksToMs(after.stime - c.before.stime),
		MemoryRSSBytes:  after.rss * 4096,
		ContextSwitches: (after.voluntaryCtxSw - c.before.voluntaryCtxSw) + (after.nonvol - c.before.nonvol),
	}
}

func ticksToMs(ticks uint64) int64 {
	return int64(ticks) * 10
}

func readSnapshot(pid int) snapshot {
	var snap snapshot

	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return snap
	}
	snap.utime, snap.stime, snap.rss = parseStat(string(statData))

	statusData, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return snap
	}
	snap.voluntaryCtxSw, snap.nonvol = parseStatus(string(statusData))

	return snap
}

func parseStat(content string) (utime, stime uint64, rss int64) {
	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return
	}
	fields := strings.Fields(content[commEnd+2:])
	if len(fields) > 12 {
		utime, _ = strconv.ParseUint(fields[11], 10, 64)
		stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 21 {
		rss, _ = strconv.ParseInt(fields[21], 10, 64)
	}
	return
}

func parseStatus(content string) (voluntary, nonvoluntary int64) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.SplitN(line, ":\t", 2)
		if len(fields) != 2 {
			continue
		}
		val, _ := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		switch fields[0] {
		case "voluntary_ctxt_switches":
			voluntary = val
		case "nonvoluntary_ctxt_switches":
			nonvoluntary = val
		}
	}
	return
}
