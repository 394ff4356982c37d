package correlate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

func writeJSONL(t *testing.T, path string, records []map[string]interface{}) {
	t.Helper()
	var sb strings.Builder
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		sb.Write(b)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTimestampModeBucketsByTurn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	startedAt := int64(1_700_000_000_000)

	turns := []schema.TurnEvent{
		{Index: 1, TMs: 0, Source: schema.TurnSourceEnter},
		{Index: 2, TMs: 5000, Source: schema.TurnSourceEnter},
	}

	writeJSONL(t, path, []map[string]interface{}{
		{"type": "user", "timestamp": startedAt, "tool_name": "bash"},
		{"type": "assistant", "timestamp": startedAt + 4000, "usage": map[string]interface{}{"input_tokens": 10, "output_tokens": 20}},
		{"type": "user", "timestamp": startedAt + 5000, "tool_name": "editor"},
	})

	result := Run(path, startedAt, startedAt+10000, turns)
	if result.Mode != schema.CorrelationModeTimestamps {
		t.Fatalf("mode = %s, want timestamps", result.Mode)
	}
	if result.ParsedLines != 3 {
		t.Errorf("parsedLines = %d, want 3", result.ParsedLines)
	}

	var turn1, turn2 *schema.TurnCorrelation
	for i := range result.PerTurn {
		switch result.PerTurn[i].TurnIndex {
		case 1:
			turn1 = &result.PerTurn[i]
		case 2:
			turn2 = &result.PerTurn[i]
		}
	}
	if turn1 == nil || turn1.RecordCount != 2 {
		t.Fatalf("turn1 = %+v, want 2 records", turn1)
	}
	if turn1.InputTokenCount == nil || *turn1.InputTokenCount != 10 {
		t.Errorf("turn1 input tokens = %v, want 10", turn1.InputTokenCount)
	}
	if turn2 == nil || turn2.RecordCount != 1 {
		t.Fatalf("turn2 = %+v, want 1 record", turn2)
	}
}

func TestDiscardsRecordsBeforeSessionStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	startedAt := int64(1_000_000_000_000)

	turns := []schema.TurnEvent{{Index: 1, TMs: 0, Source: schema.TurnSourceEnter}}

	writeJSONL(t, path, []map[string]interface{}{
		{"type": "user", "timestamp": startedAt - 60000},
		{"type": "user", "timestamp": startedAt},
	})

	result := Run(path, startedAt, startedAt+60000, turns)
	if result.PerTurn[0].RecordCount != 1 {
		t.Errorf("expected only the in-window record applied, got %d", result.PerTurn[0].RecordCount)
	}
}

func TestSequentialModeWhenNoTimestamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	turns := []schema.TurnEvent{
		{Index: 1, TMs: 0, Source: schema.TurnSourceEnter},
		{Index: 2, TMs: 100, Source: schema.TurnSourceEnter},
	}

	writeJSONL(t, path, []map[string]interface{}{
		{"type": "user"},
		{"type": "assistant", "tool_name": "bash"},
		{"type": "user"},
		{"type": "assistant", "tool_name": "grep"},
	})

	result := Run(path, 0, 1000, turns)
	if result.Mode != schema.CorrelationModeSequential {
		t.Fatalf("mode = %s, want sequential", result.Mode)
	}
	if result.PerTurn[0].ToolUseNames == nil || result.PerTurn[0].ToolUseNames[0] != "bash" {
		t.Errorf("turn 1 tools = %+v, want [bash]", result.PerTurn[0].ToolUseNames)
	}
	if result.PerTurn[1].ToolUseNames == nil || result.PerTurn[1].ToolUseNames[0] != "grep" {
		t.Errorf("turn 2 tools = %+v, want [grep]", result.PerTurn[1].ToolUseNames)
	}
}

func TestModeNoneWhenNothingUsable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	turns := []schema.TurnEvent{{Index: 1, TMs: 0, Source: schema.TurnSourceEnter}}

	writeJSONL(t, path, []map[string]interface{}{
		{"type": "system", "note": "irrelevant"},
	})

	result := Run(path, 0, 1000, turns)
	if result.Mode != schema.CorrelationModeNone {
		t.Fatalf("mode = %s, want none", result.Mode)
	}
	if len(result.Notes) == 0 {
		t.Error("expected an explanatory note")
	}
}

func TestToolUseNamesSortedAndDeduped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	startedAt := int64(1000)
	turns := []schema.TurnEvent{{Index: 1, TMs: 0, Source: schema.TurnSourceEnter}}

	writeJSONL(t, path, []map[string]interface{}{
		{"type": "assistant", "timestamp": startedAt, "tool_name": "zebra"},
		{"type": "assistant", "timestamp": startedAt, "tool_name": "alpha"},
		{"type": "assistant", "timestamp": startedAt, "tool_name": "alpha"},
	})

	result := Run(path, startedAt, startedAt+100, turns)
	names := result.PerTurn[0].ToolUseNames
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zebra" {
		t.Errorf("toolUseNames = %v, want [alpha zebra]", names)
	}
}

func TestZeroTokenTotalIsOmittedNotZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	startedAt := int64(1000)
	turns := []schema.TurnEvent{{Index: 1, TMs: 0, Source: schema.TurnSourceEnter}}

	writeJSONL(t, path, []map[string]interface{}{
		{"type": "user", "timestamp": startedAt},
		{"type": "assistant", "timestamp": startedAt, "usage": map[string]interface{}{"input_tokens": 0, "output_tokens": 0}},
	})

	result := Run(path, startedAt, startedAt+100, turns)
	if result.PerTurn[0].InputTokenCount != nil {
		t.Errorf("inputTokenCount = %v, want omitted for a genuinely zero total", *result.PerTurn[0].InputTokenCount)
	}
	if result.PerTurn[0].OutputTokenCount != nil {
		t.Errorf("outputTokenCount = %v, want omitted for a genuinely zero total", *result.PerTurn[0].OutputTokenCount)
	}
}

// Invariant: the correlator never leaks raw record content into its result.
func TestPlaintextNeverLeaksIntoResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	startedAt := int64(1000)
	turns := []schema.TurnEvent{{Index: 1, TMs: 0, Source: schema.TurnSourceEnter}}

	secret := "THE SECRET PLAINTEXT PAYLOAD 12345"
	writeJSONL(t, path, []map[string]interface{}{
		{"type": "user", "timestamp": startedAt, "text": secret},
		{"type": "assistant", "timestamp": startedAt, "message": map[string]interface{}{"content": secret}},
	})

	result := Run(path, startedAt, startedAt+100, turns)
	serialized, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(serialized), secret) {
		t.Fatalf("serialized correlation leaked plaintext: %s", serialized)
	}
}
