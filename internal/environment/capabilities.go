// Package environment discovers host and terminal metadata once at session
// start: OS/arch, terminal identity, kernel version, and the BPF/BTF
// capability tier a deeper profiler backend could exploit later. Adapted
// from melisai's internal/ebpf/btf.go BTF-detection and CO-RE tier
// classification, retargeted here from "decide whether to load native eBPF
// programs" to a capability snapshot recorded alongside every session for
// diagnostic/debugging purposes.
package environment

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

// Discover builds the Environment block persisted into SessionData.
func Discover() schema.Environment {
	env := schema.Environment{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		NumCPU:      runtime.NumCPU(),
		Term:        os.Getenv("TERM"),
		TermProgram: os.Getenv("TERM_PROGRAM"),
		ColorTerm:   os.Getenv("COLORTERM"),
	}

	if runtime.GOOS == "linux" {
		env.KernelVersion = readKernelVersion()
		env.BPFCapabilities = detectBPFCapabilities()
		env.BPFCapabilityTier = CapabilityLevel(env.BPFCapabilities, env.KernelVersion)
	}

	return env
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

// detectBPFCapabilities reports which kernel-exposed BPF/BTF surfaces are
// present, without attempting to load any program. This is diagnostic
// metadata only; nothing in this profiler uses BPF for sampling.
func detectBPFCapabilities() map[string]bool {
	caps := make(map[string]bool)

	caps["bpf_syscall"] = fileExists("/proc/sys/kernel/unprivileged_bpf_disabled")
	caps["btf_vmlinux"] = fileExists("/sys/kernel/btf/vmlinux")
	caps["bpffs"] = fileExists("/sys/fs/bpf")
	caps["perf_events"] = fileExists("/proc/sys/kernel/perf_event_paranoid")
	caps["kprobes"] = fileExists("/sys/kernel/debug/kprobes/list") ||
		fileExists("/sys/kernel/tracing/kprobe_events")

	return caps
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CapabilityLevel classifies the BPF capability map and kernel version into
// a coarse tier: 3 (native eBPF w/ CO-RE support — requires BTF, the bpf()
// syscall, and a kernel new enough to carry working CO-RE relocations),
// 1 (procfs/sysfs only). Tier 2 (BCC-tool-based) doesn't apply here since no
// BCC tool invocation exists in this profiler.
func CapabilityLevel(caps map[string]bool, kernelVersion string) int {
	major, minor := parseKernelVersion(kernelVersion)
	coreCapableKernel := major > 5 || (major == 5 && minor >= 2)
	if caps["btf_vmlinux"] && caps["bpf_syscall"] && coreCapableKernel {
		return 3
	}
	return 1
}
