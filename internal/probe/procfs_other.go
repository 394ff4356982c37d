//go:build !linux

package probe

import (
	"fmt"
	"runtime"
)

// ProcfsProbe is a stand-in on non-Linux platforms. /proc sampling is a
// Linux-only technique; spec §4.3 treats sampling failure as non-fatal, so
// callers simply see every sample error out rather than failing to build.
type ProcfsProbe struct{}

func NewProcfsProbe() *ProcfsProbe { return &ProcfsProbe{} }

func NewProcfsProbeAt(_ string) *ProcfsProbe { return &ProcfsProbe{} }

func (p *ProcfsProbe) SampleBasic(pid int) (BasicSample, error) {
	return BasicSample{}, fmt.Errorf("process sampling is not supported on %s", runtime.GOOS)
}

// NewPlatformProbe returns the platform's BasicProbe and, where available,
// its ExtrasProbe. Non-Linux platforms have no extras capability, so the
// second return value is nil; callers (internal/sampler) treat a nil
// ExtrasProbe as "extras fields omitted".
func NewPlatformProbe() (BasicProbe, ExtrasProbe) {
	return NewProcfsProbe(), nil
}
