package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildSessionConfigRejectsMissingCommand(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100}
	if _, err := buildSessionConfig(f, nil); err == nil {
		t.Fatal("expected an error for a missing command")
	}
}

func TestBuildSessionConfigRejectsBadTurnHotkey(t *testing.T) {
	f := &runFlags{turnHotkey: "ctrl+t", sampleIntervalMs: 100}
	if _, err := buildSessionConfig(f, []string{"bash"}); err == nil {
		t.Fatal("expected an error for an invalid --turn-hotkey value")
	}
}

func TestBuildSessionConfigRejectsBadDuration(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100, duration: "1d"}
	if _, err := buildSessionConfig(f, []string{"bash"}); err == nil {
		t.Fatal("expected an error for an unsupported duration unit")
	}
}

func TestBuildSessionConfigRejectsSampleIntervalBelowOne(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 0}
	if _, err := buildSessionConfig(f, []string{"bash"}); err == nil {
		t.Fatal("expected an error for --sample-interval-ms < 1")
	}
}

func TestBuildSessionConfigRejectsNegativeBurstIdle(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100, burstIdleMs: -1}
	if _, err := buildSessionConfig(f, []string{"bash"}); err == nil {
		t.Fatal("expected an error for --burst-idle-ms < 0")
	}
}

func TestBuildSessionConfigRejectsUnreadableBinary(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100, binary: "/does/not/exist"}
	if _, err := buildSessionConfig(f, []string{"claude"}); err == nil {
		t.Fatal("expected an error for a nonexistent --binary path")
	}
}

func TestBuildSessionConfigIgnoresBinaryWhenCommandIsNotAssistant(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100, binary: "/does/not/exist"}
	cfg, err := buildSessionConfig(f, []string{"bash"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Command[0] != "bash" {
		t.Errorf("Command[0] = %q, want unchanged %q", cfg.Command[0], "bash")
	}
}

func TestBuildSessionConfigAppliesBinaryOverrideForAssistantCommand(t *testing.T) {
	wrapper := filepath.Join(t.TempDir(), "claude-wrapper")
	writeFile(t, wrapper, "#!/bin/sh\nexit 0\n")

	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100, binary: wrapper}
	cfg, err := buildSessionConfig(f, []string{"claude", "--flag"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Command[0] != wrapper {
		t.Errorf("Command[0] = %q, want %q", cfg.Command[0], wrapper)
	}
	if cfg.Command[1] != "--flag" {
		t.Errorf("Command[1] = %q, want --flag preserved", cfg.Command[1])
	}
}

func TestBuildSessionConfigDefaultsCwdAndOutputDir(t *testing.T) {
	f := &runFlags{turnHotkey: "alt+t", sampleIntervalMs: 100}
	cfg, err := buildSessionConfig(f, []string{"bash"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cwd == "" {
		t.Error("expected a default cwd to be resolved")
	}
	if !filepath.IsAbs(cfg.OutputDir) {
		t.Errorf("expected an absolute default output dir, got %q", cfg.OutputDir)
	}
}

func TestLooksLikeAssistantCommand(t *testing.T) {
	cases := []struct {
		command []string
		want    bool
	}{
		{[]string{"claude"}, true},
		{[]string{"/usr/local/bin/claude"}, true},
		{nil, false},
		{[]string{"bash"}, false},
	}
	for _, c := range cases {
		if got := looksLikeAssistantCommand(c.command); got != c.want {
			t.Errorf("looksLikeAssistantCommand(%v) = %v, want %v", c.command, got, c.want)
		}
	}
}

func TestSha256HexIsStable(t *testing.T) {
	if sha256Hex("x") != sha256Hex("x") {
		t.Error("expected deterministic hashing")
	}
	if sha256Hex("x") == sha256Hex("y") {
		t.Error("expected distinct input to hash differently")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writeFile(%s): %v", path, err)
	}
}
