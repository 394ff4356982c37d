package calibration

import "testing"

func TestParseStat(t *testing.T) {
	content := "9 (self) S 1 9 9 0 -1 0 0 0 0 0 200 80 0 0 20 0 4 0 0 0 2048 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0"
	utime, stime, rss := parseStat(content)
	if utime != 200 || stime != 80 {
		t.Errorf("utime/stime = %d/%d, want 200/80", utime, stime)
	}
	if rss != 2048 {
		t.Errorf("rss = %d, want 2048", rss)
	}
}

func TestParseStatus(t *testing.T) {
	content := "Name:\tself\nvoluntary_ctxt_switches:\t5\nnonvoluntary_ctxt_switches:\t2\n"
	v, nv := parseStatus(content)
	if v != 5 || nv != 2 {
		t.Errorf("voluntary/nonvoluntary = %d/%d, want 5/2", v, nv)
	}
}

func TestTicksToMs(t *testing.T) {
	if got := ticksToMs(100); got != 1000 {
		t.Errorf("ticksToMs(100) = %d, want 1000", got)
	}
}

// New/Finish exercise the real /proc/self files; they must not panic and
// must always return the calling PID regardless of platform quirks.
func TestCalibratorRoundTrip(t *testing.T) {
	c := New()
	result := c.Finish()
	if result.SelfPID == 0 {
		t.Error("SelfPID should be non-zero")
	}
	if result.CPUUserMs < 0 || result.CPUSystemMs < 0 {
		t.Errorf("negative CPU delta: user=%d system=%d", result.CPUUserMs, result.CPUSystemMs)
	}
}
