//go:build linux

package probe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// clkTck is the typical kernel clock-ticks-per-second value (getconf
// CLK_TCK is 100 on virtually every Linux system); melisai's collectors
// hard-code the same constant rather than calling sysconf via cgo.
const clkTck = 100.0

// ProcfsProbe samples /proc/[pid]/{stat,status,io} directly, adapted from
// melisai's internal/collector/process.go (stat parsing, two-point CPU
// delta) and internal/observer/overhead.go (status/io parsing).
type ProcfsProbe struct {
	root string // normally "/proc", overridable for tests

	prevMu               sync.Mutex
	prevUtime, prevStime map[int]uint64
	prevAt               map[int]time.Time
}

// NewProcfsProbe creates a probe rooted at /proc.
func NewProcfsProbe() *ProcfsProbe {
	return NewProcfsProbeAt("/proc")
}

// NewProcfsProbeAt creates a probe rooted at an arbitrary path, used by
// tests to point at a fake procfs tree.
func NewProcfsProbeAt(root string) *ProcfsProbe {
	return &ProcfsProbe{
		root:      root,
		prevUtime: make(map[int]uint64),
		prevStime: make(map[int]uint64),
		prevAt:    make(map[int]time.Time),
	}
}

type procStat struct {
	state   string
	utime   uint64
	stime   uint64
	rss     int64
	threads int
}

func (p *ProcfsProbe) readStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", p.root, pid))
	if err != nil {
		return procStat{}, err
	}
	return parseProcStat(string(data))
}

// parseProcStat extracts state/utime/stime/rss/threads from /proc/[pid]/stat
// content. comm can contain spaces and parens, so we locate it by the
// outermost parens rather than splitting naively.
func parseProcStat(content string) (procStat, error) {
	var ps procStat
	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return ps, fmt.Errorf("malformed /proc/[pid]/stat")
	}
	fields := strings.Fields(content[commEnd+2:])
	// fields[0]=state, [11]=utime, [12]=stime, [17]=threads, [21]=rss (pages)
	if len(fields) > 0 {
		ps.state = fields[0]
	}
	if len(fields) > 12 {
		ps.utime, _ = strconv.ParseUint(fields[11], 10, 64)
		ps.stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 17 {
		ps.threads, _ = strconv.Atoi(fields[17])
	}
	if len(fields) > 21 {
		ps.rss, _ = strconv.ParseInt(fields[21], 10, 64)
	}
	return ps, nil
}

// SampleBasic implements probe.BasicProbe. CPU% is computed from the delta
// against the previous sample of the same PID (two-point sampling, same
// idiom as melisai's CPU/process collectors) rather than blocking for an
// interval — the Process Sampler already supplies the interval via its own
// ticker, so probes must be non-blocking.
func (p *ProcfsProbe) SampleBasic(pid int) (BasicSample, error) {
	st, err := p.readStat(pid)
	if err != nil {
		return BasicSample{}, err
	}

	now := time.Now()
	p.prevMu.Lock()
	prevU, haveU := p.prevUtime[pid]
	prevS := p.prevStime[pid]
	prevAt, haveAt := p.prevAt[pid]
	p.prevUtime[pid] = st.utime
	p.prevStime[pid] = st.stime
	p.prevAt[pid] = now
	p.prevMu.Unlock()

	sample := BasicSample{RSSBytes: st.rss * pageSize}
	if haveU && haveAt {
		elapsed := now.Sub(prevAt).Seconds()
		if elapsed > 0 {
			delta := float64((st.utime - prevU) + (st.stime - prevS))
			sample.CPUPercent = delta / clkTck / elapsed * 100
		}
	}
	return sample, nil
}

const pageSize = 4096

// NewPlatformProbe returns the Linux procfs probe as both the BasicProbe and
// the ExtrasProbe the Process Sampler consumes.
func NewPlatformProbe() (BasicProbe, ExtrasProbe) {
	p := NewProcfsProbe()
	return p, p
}

// SampleExtras implements probe.ExtrasProbe.
func (p *ProcfsProbe) SampleExtras(pid int) (ExtrasSample, error) {
	var extras ExtrasSample

	statData, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", p.root, pid))
	if err != nil {
		return extras, err
	}
	if fields, ok := statFields(string(statData)); ok {
		// fields[7]=minflt, [9]=majflt (0-indexed after comm, per proc(5))
		if len(fields) > 9 {
			minor, _ := strconv.ParseInt(fields[7], 10, 64)
			major, _ := strconv.ParseInt(fields[9], 10, 64)
			extras.MinorFaults = minor
			extras.MajorFaults = major
		}
	}

	statusData, err := os.ReadFile(fmt.Sprintf("%s/%d/status", p.root, pid))
	if err == nil {
		extras.VoluntaryCtxSw, extras.InvoluntaryCtxSw = parseCtxSwitches(string(statusData))
	}

	fdEntries, err := os.ReadDir(fmt.Sprintf("%s/%d/fd", p.root, pid))
	if err == nil {
		extras.OpenFDs = len(fdEntries)
	}

	st, err := p.readStat(pid)
	if err == nil {
		extras.Threads = st.threads
	}

	return extras, nil
}

func statFields(content string) ([]string, bool) {
	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return nil, false
	}
	return strings.Fields(content[commEnd+2:]), true
}

func parseCtxSwitches(content string) (voluntary, nonvoluntary int64) {
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
