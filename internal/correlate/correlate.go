// Package correlate implements the External-Log Correlator: a post-hoc,
// opt-in pass over a selected JSONL conversation log that maps records to
// turn indices without ever retaining record contents. Grounded on
// melisai's internal/diff stream/parse/accumulate-into-buckets shape,
// rewritten here for JSONL turn-bucketing instead of report-diffing.
package correlate

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

const (
	discardBeforeSlackMs = 10_000
	stopAfterSlackMs     = 60_000
)

// Run streams path and produces an ExternalLogCorrelation. startedAtMsEpoch
// and endedAtMsEpoch are wall-clock epochs; turns is the finalized turn
// list (1-based Index, TMs relative to session start).
func Run(path string, startedAtMsEpoch, endedAtMsEpoch int64, turns []schema.TurnEvent) schema.ExternalLogCorrelation {
	result := schema.ExternalLogCorrelation{Mode: schema.CorrelationModeNone}

	buckets := make(map[int]*schema.TurnCorrelation)
	names := make(map[int]map[string]struct{})
	for _, turn := range turns {
		buckets[turn.Index] = &schema.TurnCorrelation{TurnIndex: turn.Index}
		names[turn.Index] = make(map[string]struct{})
	}

	f, err := os.Open(path)
	if err != nil {
		return result
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	turnPointerIdx := -1 // index into turns[] of the current timestamp-mode turn
	seqPointer := -1     // sequential-mode pointer, indexes into turns (-1 = before first)

	usedTimestamps := false
	usedSequential := false
	sawAnyTimestamp := false
	appliedAfterFirst := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		result.ParsedLines++

		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			result.ParseErrors++
			continue
		}

		lineBytes := int64(len(trimmed))
		if ms, ok := extractTimestampMs(rec); ok {
			sawAnyTimestamp = true
			if ms < startedAtMsEpoch-discardBeforeSlackMs {
				continue
			}
			if ms > endedAtMsEpoch+stopAfterSlackMs && appliedAfterFirst {
				break
			}

			for turnPointerIdx+1 < len(turns) {
				next := turns[turnPointerIdx+1]
				nextEpoch := startedAtMsEpoch + next.TMs
				if nextEpoch <= ms {
					turnPointerIdx++
				} else {
					break
				}
			}
			if turnPointerIdx < 0 {
				continue
			}
			turnIdx := turns[turnPointerIdx].Index
			applyRecord(buckets[turnIdx], names[turnIdx], rec, lineBytes)
			usedTimestamps = true
			appliedAfterFirst = true
			continue
		}

		role := extractRole(rec)
		if role == "user" {
			if seqPointer+1 < len(turns) {
				seqPointer++
			} else {
				seqPointer = len(turns) // past the end: no further sequential assignment
			}
			continue
		}
		if seqPointer >= 0 && seqPointer < len(turns) {
			turnIdx := turns[seqPointer].Index
			applyRecord(buckets[turnIdx], names[turnIdx], rec, lineBytes)
			usedSequential = true
		}
	}

	switch {
	case usedTimestamps:
		result.Mode = schema.CorrelationModeTimestamps
	case usedSequential:
		result.Mode = schema.CorrelationModeSequential
	default:
		result.Mode = schema.CorrelationModeNone
		if sawAnyTimestamp {
			result.Notes = append(result.Notes, "timestamps present but outside session window")
		} else {
			result.Notes = append(result.Notes, "no usable timestamps or user-message markers")
		}
	}

	for _, turn := range turns {
		bucket := buckets[turn.Index]
		nameSet := names[turn.Index]
		if len(nameSet) > 0 {
			list := make([]string, 0, len(nameSet))
			for n := range nameSet {
				list = append(list, n)
			}
			sort.Strings(list)
			bucket.ToolUseNames = list
		}
		omitZeroTokenTotals(bucket)
		result.PerTurn = append(result.PerTurn, *bucket)
	}

	return result
}

func applyRecord(bucket *schema.TurnCorrelation, nameSet map[string]struct{}, rec map[string]interface{}, lineBytes int64) {
	bucket.RecordCount++
	bucket.RecordBytes += lineBytes

	for _, name := range extractToolNames(rec) {
		nameSet[name] = struct{}{}
	}
	bucket.ToolUseCount = len(nameSet)

	inTok, outTok, ok := extractTokenUsage(rec)
	if ok {
		if inTok != nil {
			addInt64(&bucket.InputTokenCount, *inTok)
		}
		if outTok != nil {
			addInt64(&bucket.OutputTokenCount, *outTok)
		}
	}
}

// omitZeroTokenTotals clears a bucket's token-count pointers when the
// aggregated total is 0, so a genuinely zero total is omitted from the
// serialized output rather than written out as a literal 0.
func omitZeroTokenTotals(bucket *schema.TurnCorrelation) {
	if bucket.InputTokenCount != nil && *bucket.InputTokenCount == 0 {
		bucket.InputTokenCount = nil
	}
	if bucket.OutputTokenCount != nil && *bucket.OutputTokenCount == 0 {
		bucket.OutputTokenCount = nil
	}
}

func addInt64(dst **int64, v int64) {
	if *dst == nil {
		val := v
		*dst = &val
		return
	}
	**dst += v
}

func extractRole(rec map[string]interface{}) string {
	if v, ok := rec["type"].(string); ok {
		if r := normalizeRole(v); r != "" {
			return r
		}
	}
	if v, ok := rec["role"].(string); ok {
		if r := normalizeRole(v); r != "" {
			return r
		}
	}
	if msg, ok := rec["message"].(map[string]interface{}); ok {
		if v, ok := msg["role"].(string); ok {
			return normalizeRole(v)
		}
	}
	return ""
}

func normalizeRole(v string) string {
	lower := strings.ToLower(v)
	if lower == "user" || lower == "assistant" {
		return lower
	}
	return ""
}

var timestampFields = []string{"timestamp", "time", "created_at", "createdAt", "ts"}

func extractTimestampMs(rec map[string]interface{}) (int64, bool) {
	for _, field := range timestampFields {
		if v, ok := rec[field]; ok {
			if ms, ok := coerceTimestampMs(v); ok {
				return ms, true
			}
		}
	}
	if meta, ok := rec["meta"].(map[string]interface{}); ok {
		if v, ok := meta["timestamp"]; ok {
			if ms, ok := coerceTimestampMs(v); ok {
				return ms, true
			}
		}
	}
	return 0, false
}

func coerceTimestampMs(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return numericToMs(val), true
	case string:
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return numericToMs(n), true
		}
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t.UnixMilli(), true
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func numericToMs(n float64) int64 {
	switch {
	case n > 1e12:
		return int64(n)
	case n > 1e9:
		return int64(n * 1000)
	default:
		return int64(n)
	}
}

func extractToolNames(rec map[string]interface{}) []string {
	var out []string
	if v, ok := rec["tool_name"].(string); ok {
		out = append(out, cleanToolName(v))
	}
	if v, ok := rec["toolName"].(string); ok {
		out = append(out, cleanToolName(v))
	}
	if tool, ok := rec["tool"].(map[string]interface{}); ok {
		if v, ok := tool["name"].(string); ok {
			out = append(out, cleanToolName(v))
		}
	}
	out = append(out, extractContentToolNames(rec["content"])...)
	if msg, ok := rec["message"].(map[string]interface{}); ok {
		out = append(out, extractContentToolNames(msg["content"])...)
	}

	var cleaned []string
	for _, n := range out {
		if n != "" {
			cleaned = append(cleaned, n)
		}
	}
	return cleaned
}

func extractContentToolNames(content interface{}) []string {
	arr, ok := content.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range arr {
		elem, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := elem["type"].(string)
		if !strings.Contains(strings.ToLower(typ), "tool") {
			continue
		}
		if name, ok := elem["name"].(string); ok {
			out = append(out, cleanToolName(name))
		}
	}
	return out
}

func cleanToolName(v string) string {
	trimmed := strings.TrimSpace(v)
	if len(trimmed) > 120 {
		trimmed = trimmed[:120]
	}
	return trimmed
}

func extractTokenUsage(rec map[string]interface{}) (inputTokens, outputTokens *int64, ok bool) {
	var usage map[string]interface{}
	for _, field := range []string{"usage", "token_usage", "tokenUsage"} {
		if v, found := rec[field].(map[string]interface{}); found {
			usage = v
			break
		}
	}
	if usage == nil {
		return nil, nil, false
	}

	in := firstNumeric(usage, "input_tokens", "inputTokens", "prompt_tokens")
	out := firstNumeric(usage, "output_tokens", "outputTokens", "completion_tokens")
	if in == nil && out == nil {
		return nil, nil, false
	}
	return in, out, true
}

func firstNumeric(m map[string]interface{}, keys ...string) *int64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				n := int64(f)
				return &n
			}
		}
	}
	return nil
}
