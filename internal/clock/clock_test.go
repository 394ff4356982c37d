package clock

import "testing"

func TestNowMsNonNegativeAndMonotonic(t *testing.T) {
	c := New()
	a := c.NowMs()
	b := c.NowMs()
	if a < 0 || b < 0 {
		t.Fatalf("NowMs returned negative value: a=%d b=%d", a, b)
	}
	if b < a {
		t.Fatalf("NowMs went backwards: a=%d b=%d", a, b)
	}
}

func TestEpochForMs(t *testing.T) {
	c := New()
	base := c.StartedAtMsEpoch()
	if got := c.EpochForMs(0); got != base {
		t.Fatalf("EpochForMs(0) = %d, want %d", got, base)
	}
	if got := c.EpochForMs(1000); got != base+1000 {
		t.Fatalf("EpochForMs(1000) = %d, want %d", got, base+1000)
	}
}
