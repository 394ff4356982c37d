package extlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOverridePathWins(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "explicit.jsonl")
	writeFile(t, override, "{}\n")

	tr := New(Config{OverridePath: override})
	tr.Ensure()

	if got := tr.SelectedPath(); got != override {
		t.Errorf("selected %q, want override %q", got, override)
	}
	if tr.SelectionMode() != "override" {
		t.Errorf("mode = %q, want override", tr.SelectionMode())
	}
}

func TestOverridePathMissingYieldsNoSelection(t *testing.T) {
	tr := New(Config{OverridePath: "/nonexistent/path/missing.jsonl"})
	tr.Ensure()
	if tr.SelectedPath() != "" {
		t.Errorf("expected no selection, got %q", tr.SelectedPath())
	}
}

func TestNoReadPicksLargestBySize(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	small := filepath.Join(dir, "a.jsonl")
	big := filepath.Join(dir, "b.jsonl")
	writeFile(t, small, "{}")
	writeFile(t, big, `{"large":"`+string(make([]byte, 500))+`"}`)

	os.Chtimes(small, now, now)
	os.Chtimes(big, now, now)

	tr := New(Config{ProjectsRoot: dir, AllowReadForSelection: false, StartedAtMsEpoch: now.UnixMilli()})
	tr.Ensure()

	if tr.SelectedPath() != big {
		t.Errorf("selected %q, want largest %q", tr.SelectedPath(), big)
	}
	if tr.SelectionMode() != "no_read" {
		t.Errorf("mode = %q, want no_read", tr.SelectionMode())
	}
}

func TestSelectedPathSha256NeverLeaksRawPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "conv.jsonl")
	writeFile(t, p, "{}")
	now := time.Now()
	os.Chtimes(p, now, now)

	tr := New(Config{ProjectsRoot: dir, StartedAtMsEpoch: now.UnixMilli()})
	tr.Ensure()

	hash := tr.SelectedPathSha256()
	if hash == "" {
		t.Fatal("expected a hash once a path is selected")
	}
	if len(hash) != 64 {
		t.Errorf("expected 64 hex chars (SHA-256), got %d", len(hash))
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("hash not hex: %q", hash)
		}
	}
}

func TestContentAwareScoringPrefersUserAssistantRecords(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	noise := filepath.Join(dir, "noise.jsonl")
	conversation := filepath.Join(dir, "conversation.jsonl")

	writeFile(t, noise, `{"type":"system","timestamp":`+itoa(now.UnixMilli())+`}`+"\n")
	var lines string
	for i := 0; i < 5; i++ {
		lines += `{"type":"user","timestamp":` + itoa(now.UnixMilli()) + `}` + "\n"
		lines += `{"type":"assistant","timestamp":` + itoa(now.UnixMilli()) + `}` + "\n"
	}
	writeFile(t, conversation, lines)

	os.Chtimes(noise, now, now)
	os.Chtimes(conversation, now, now)

	tr := New(Config{ProjectsRoot: dir, AllowReadForSelection: true, StartedAtMsEpoch: now.UnixMilli()})
	tr.Ensure()

	if tr.SelectedPath() != conversation {
		t.Errorf("selected %q, want %q", tr.SelectedPath(), conversation)
	}
	if tr.SelectionMode() != "content_aware" {
		t.Errorf("mode = %q, want content_aware", tr.SelectionMode())
	}
}

func TestPickBestScoredTieBreaksBySize(t *testing.T) {
	scored := []scoredCandidate{
		{path: "small", score: 100, size: 10},
		{path: "big", score: 100, size: 200},
	}
	got, ok := pickBestScored(scored)
	if !ok {
		t.Fatal("expected a selection")
	}
	if got != "big" {
		t.Errorf("selected %q, want %q (larger size on a score tie)", got, "big")
	}
}

func TestScanRespectsModTimeCutoff(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.jsonl")
	writeFile(t, stale, "{}")
	old := time.Now().Add(-time.Hour)
	os.Chtimes(stale, old, old)

	candidates := scanCandidates(dir, noReadMaxDepth, time.Now().UnixMilli())
	if len(candidates) != 0 {
		t.Errorf("expected stale file to be filtered out, got %d candidates", len(candidates))
	}
}

func TestSampleReturnsSizeAtTurn(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "conv.jsonl")
	writeFile(t, p, "0123456789")
	now := time.Now()
	os.Chtimes(p, now, now)

	tr := New(Config{ProjectsRoot: dir, StartedAtMsEpoch: now.UnixMilli()})
	sample, ok := tr.Sample(1, 100)
	if !ok {
		t.Fatal("expected a sample")
	}
	if sample.SizeBytes != 10 {
		t.Errorf("sizeBytes = %d, want 10", sample.SizeBytes)
	}
	if sample.TurnIndex != 1 || sample.TMs != 100 {
		t.Errorf("unexpected sample fields: %+v", sample)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [32]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
